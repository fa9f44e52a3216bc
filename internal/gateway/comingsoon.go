package gateway

import "context"

const (
	ComingSoonImage = "Image analysis is coming soon."
	ComingSoonPDF   = "Questions about PDF documents are coming soon."
)

// ComingSoon answers disabled file operations with a fixed notice instead of failing.
type ComingSoon struct {
	Client
	ImageEnabled bool
	PDFEnabled   bool
}

func (c ComingSoon) AnalyzeImage(ctx context.Context, image File) Result {
	if !c.ImageEnabled {
		return Answered(ComingSoonImage)
	}
	return c.Client.AnalyzeImage(ctx, image)
}

func (c ComingSoon) AnalyzePDF(ctx context.Context, doc File, question string) Result {
	if !c.PDFEnabled {
		return Answered(ComingSoonPDF)
	}
	return c.Client.AnalyzePDF(ctx, doc, question)
}
