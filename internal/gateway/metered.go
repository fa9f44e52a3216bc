package gateway

import (
	"context"
	"time"

	"aiedu.app/tutor/internal/metrics"
)

// Metered records call counts and latency for the wrapped client.
type Metered struct {
	Client Client
}

func (m Metered) Ask(ctx context.Context, question string) Result {
	return observe(OpAsk, func() Result { return m.Client.Ask(ctx, question) })
}

func (m Metered) AnalyzeImage(ctx context.Context, image File) Result {
	return observe(OpImage, func() Result { return m.Client.AnalyzeImage(ctx, image) })
}

func (m Metered) AnalyzePDF(ctx context.Context, doc File, question string) Result {
	return observe(OpPDF, func() Result { return m.Client.AnalyzePDF(ctx, doc, question) })
}

func observe(op string, call func() Result) Result {
	start := time.Now()
	res := call()
	metrics.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if !res.OK {
		result = "error"
	}
	metrics.GatewayRequests.WithLabelValues(op, result).Inc()
	return res
}
