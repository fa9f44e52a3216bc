package core

import (
	"context"
	"fmt"
	"strings"

	"aiedu.app/tutor/internal/gateway"
	"aiedu.app/tutor/internal/store"
	"aiedu.app/tutor/internal/utils"
)

// ExtraFileName is the message extra field carrying the attachment name.
const ExtraFileName = "fileName"

// Request is one submission of a page's form.
type Request struct {
	Question string
	File     *gateway.File
}

func (r Request) fileName() string {
	if r.File == nil {
		return ""
	}
	return r.File.Name
}

// Variant holds what differs between the chat, study and vision pages.
type Variant struct {
	Kind             store.Kind
	EmptyText        string
	HistoryEmptyText string
	// ReselectPrompt is shown by Regenerate on pages whose requests carry a file.
	ReselectPrompt string

	validate     func(Request) error
	userText     func(Request) string
	initialTitle func(Request) string
	header       func(Request) string
	call         func(context.Context, gateway.Client, Request) gateway.Result
}

// NeedsFile reports whether requests of this variant carry an attachment.
func (v Variant) NeedsFile() bool { return v.ReselectPrompt != "" }

func (v Variant) extra(r Request) map[string]string {
	if name := r.fileName(); name != "" {
		return map[string]string{ExtraFileName: name}
	}
	return nil
}

var Chat = Variant{
	Kind:             store.KindChat,
	EmptyText:        "No messages yet. Ask your first question.",
	HistoryEmptyText: "No history yet. Your questions will appear here so you can reopen them later.",
	validate: func(r Request) error {
		if r.Question == "" {
			return fmt.Errorf("%w: question is required", ErrInvalidRequest)
		}
		return nil
	},
	userText:     func(r Request) string { return r.Question },
	initialTitle: func(Request) string { return "" },
	header:       func(Request) string { return "AI" },
	call: func(ctx context.Context, c gateway.Client, r Request) gateway.Result {
		return c.Ask(ctx, r.Question)
	},
}

var Study = Variant{
	Kind:             store.KindStudy,
	EmptyText:        "No study sessions yet. Pick a PDF file and ask a question.",
	HistoryEmptyText: "No history yet.",
	ReselectPrompt:   "To ask again, please select the PDF file and enter your question again.",
	validate: func(r Request) error {
		if r.File == nil || len(r.File.Data) == 0 {
			return fmt.Errorf("%w: a PDF file is required", ErrInvalidRequest)
		}
		if r.Question == "" {
			return fmt.Errorf("%w: question is required", ErrInvalidRequest)
		}
		return nil
	},
	userText:     func(r Request) string { return r.Question },
	initialTitle: func(r Request) string { return utils.Truncate(r.Question, store.TitleMaxRunes) },
	header:       func(r Request) string { return r.fileName() },
	call: func(ctx context.Context, c gateway.Client, r Request) gateway.Result {
		return c.AnalyzePDF(ctx, *r.File, r.Question)
	},
}

var Vision = Variant{
	Kind:             store.KindVision,
	EmptyText:        "No analyses yet. Pick an image.",
	HistoryEmptyText: "No history yet.",
	ReselectPrompt:   "Please select the image again to resend it.",
	validate: func(r Request) error {
		if r.File == nil || len(r.File.Data) == 0 {
			return fmt.Errorf("%w: an image is required", ErrInvalidRequest)
		}
		return nil
	},
	userText:     func(r Request) string { return "[Image] " + r.fileName() },
	initialTitle: func(r Request) string { return "Analysis: " + r.fileName() },
	header:       func(r Request) string { return r.fileName() },
	call: func(ctx context.Context, c gateway.Client, r Request) gateway.Result {
		return c.AnalyzeImage(ctx, *r.File)
	},
}

// VariantFor returns the variant serving kind.
func VariantFor(kind store.Kind) (Variant, bool) {
	switch kind {
	case store.KindChat:
		return Chat, true
	case store.KindStudy:
		return Study, true
	case store.KindVision:
		return Vision, true
	}
	return Variant{}, false
}

// errorText is what a failed bubble shows.
func errorText(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = gateway.MsgUnreachable
	}
	return "[ERROR] " + msg
}
