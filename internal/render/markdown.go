package render

import (
	"bytes"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Renderer turns answer text into display HTML.
type Renderer interface {
	Render(md string) string
}

// Markdown renders GitHub flavoured markdown and sanitizes the result.
// A single instance is safe for concurrent use.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
		policy: bluemonday.UGCPolicy(),
	}
}

func (m *Markdown) Render(md string) string {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(md), &buf); err != nil {
		return Escaped(md)
	}
	return m.policy.Sanitize(buf.String())
}

// Escaped is the fallback rendering: plain text with HTML escaped and line breaks kept.
func Escaped(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>\n")
}
