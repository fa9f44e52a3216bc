package api

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"aiedu.app/tutor/internal/core"
	"aiedu.app/tutor/internal/render"
	"aiedu.app/tutor/internal/reveal"
	"aiedu.app/tutor/internal/store"
)

// Event names sent on a page's event stream.
const (
	EventPage     = "page"
	EventEmpty    = "empty"
	EventMessages = "messages"
	EventHistory  = "history"
	EventUser     = "user"
	EventBubble   = "bubble"
	EventReveal   = "reveal"
	EventFinish   = "finish"
	EventFail     = "fail"
	EventPrompt   = "prompt"
	EventRedirect = "redirect"
)

type Event struct {
	Name string
	Data any
}

func writeEvent(w io.Writer, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
	return err
}

// SSEView queues a page's view updates for its event stream.
type SSEView struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func NewSSEView(buffer int) *SSEView {
	return &SSEView{events: make(chan Event, buffer), done: make(chan struct{})}
}

func (v *SSEView) Events() <-chan Event { return v.events }

// Close drops every later update.
func (v *SSEView) Close() {
	v.once.Do(func() { close(v.done) })
}

// send blocks until the event is queued or the view is closed.
func (v *SSEView) send(name string, data any) {
	select {
	case <-v.done:
		return
	default:
	}
	select {
	case v.events <- Event{Name: name, Data: data}:
	case <-v.done:
	}
}

// trySend drops the event when the client is behind.
func (v *SSEView) trySend(name string, data any) {
	select {
	case v.events <- Event{Name: name, Data: data}:
	default:
	}
}

func (v *SSEView) RenderEmpty(text string) {
	v.send(EventEmpty, map[string]string{"text": text})
}

func (v *SSEView) RenderMessages(msgs []core.DisplayMessage) {
	v.send(EventMessages, map[string]any{"messages": msgs})
}

func (v *SSEView) RenderHistory(items []store.Summary, emptyText string) {
	if items == nil {
		items = []store.Summary{}
	}
	v.send(EventHistory, map[string]any{"items": items, "empty_text": emptyText})
}

func (v *SSEView) AppendUser(text string, extra map[string]string) {
	v.send(EventUser, core.DisplayMessage{Role: store.RoleUser, Text: text, HTML: render.Escaped(text), Extra: extra})
}

func (v *SSEView) NewBubble(header string) reveal.Bubble {
	b := &sseBubble{view: v, id: uuid.NewString()}
	v.send(EventBubble, map[string]any{"id": b.id, "header": header, "busy": true})
	return b
}

func (v *SSEView) Prompt(text string) {
	v.send(EventPrompt, map[string]string{"text": text})
}

func (v *SSEView) Redirect(path string) {
	v.send(EventRedirect, map[string]string{"path": path})
}

type sseBubble struct {
	view *SSEView
	id   string
}

// Reveal frames supersede each other, so a frame is dropped rather than stall the reveal.
func (b *sseBubble) Reveal(partial string) {
	b.view.trySend(EventReveal, map[string]string{"id": b.id, "text": partial})
}

func (b *sseBubble) Finish(html string) {
	b.view.send(EventFinish, map[string]string{"id": b.id, "html": html})
}

func (b *sseBubble) Fail(message string) {
	b.view.send(EventFail, map[string]string{"id": b.id, "text": message})
}
