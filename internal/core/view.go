package core

import (
	"aiedu.app/tutor/internal/reveal"
	"aiedu.app/tutor/internal/store"
)

// DisplayMessage is a stored message ready for display. HTML is sanitized.
type DisplayMessage struct {
	Role  string            `json:"role"`
	Text  string            `json:"text"`
	HTML  string            `json:"html"`
	Extra map[string]string `json:"extra,omitempty"`
}

// View is everything a page draws. Implementations must be safe for concurrent use.
type View interface {
	// RenderEmpty replaces the message list with the empty-state text.
	RenderEmpty(text string)
	// RenderMessages replaces the message list with a full session history.
	RenderMessages(msgs []DisplayMessage)
	// RenderHistory replaces the recency list.
	RenderHistory(items []store.Summary, emptyText string)
	// AppendUser adds the user's message bubble.
	AppendUser(text string, extra map[string]string)
	// NewBubble adds an AI bubble showing the busy indicator and the stop control.
	NewBubble(header string) reveal.Bubble
	// Prompt shows a blocking notice to the user.
	Prompt(text string)
	// Redirect sends the browser elsewhere.
	Redirect(path string)
}
