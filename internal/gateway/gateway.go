package gateway

import (
	"context"
	"strings"
)

// Result is the normalized outcome of every gateway call. Failures are values, never errors.
type Result struct {
	OK     bool   `json:"ok"`
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
}

// File is an uploaded attachment.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Client answers questions through a hosted model.
type Client interface {
	Ask(ctx context.Context, question string) Result
	AnalyzeImage(ctx context.Context, image File) Result
	AnalyzePDF(ctx context.Context, doc File, question string) Result
}

// Operation names, used as metric labels.
const (
	OpAsk   = "ask"
	OpImage = "analyze_image"
	OpPDF   = "analyze_pdf"
)

const (
	MsgNoAnswer    = "no answer returned"
	MsgUnreachable = "Sorry, the AI could not respond (network error or quota)."
	MsgEmptyFile   = "the attached file is empty"
)

func Answered(answer string) Result { return Result{OK: true, Answer: answer} }

func Failed(msg string) Result {
	if strings.TrimSpace(msg) == "" {
		msg = MsgUnreachable
	}
	return Result{OK: false, Error: msg}
}
