package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aiedu.app/tutor/internal/core"
	"aiedu.app/tutor/internal/gateway"
	"aiedu.app/tutor/internal/store"
)

func kindParam(r *http.Request) (store.Kind, bool) {
	return store.ParseKind(chi.URLParam(r, "kind"))
}

// PageEventsHandler opens a page for the caller and streams its view updates.
// The page lives as long as the stream.
func (h *APIHandler) PageEventsHandler(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(r)
	if !ok {
		h.Error(w, http.StatusNotFound, "unknown page")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	user := userFrom(r.Context())

	view := NewSSEView(h.opts.SSEBuffer)
	page, ok := h.pages.Open(user.ID, kind, view)
	if !ok {
		h.Error(w, http.StatusNotFound, "unknown page")
		return
	}
	defer view.Close()
	defer page.Close()

	logger := h.logger.With().Str("page_id", page.ID).Str("kind", string(kind)).Logger()
	logger.Debug().Msg("page opened")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, Event{Name: EventPage, Data: map[string]string{"page_id": page.ID, "kind": string(kind)}}); err != nil {
		return
	}
	flusher.Flush()

	page.WatchAuth(h.auth.Stream(claimsFrom(r.Context()), user))
	if err := page.Load(r.Context()); err != nil {
		view.Prompt("Could not load your history. Please reload the page.")
	}

	keepAlive := time.NewTicker(h.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case e := <-view.Events():
			if err := writeEvent(w, e); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-page.Done():
			// Deliver what the page queued before closing, such as a redirect.
			for {
				select {
				case e := <-view.Events():
					if writeEvent(w, e) != nil {
						return
					}
				default:
					flusher.Flush()
					return
				}
			}
		case <-r.Context().Done():
			logger.Debug().Msg("page stream closed by client")
			return
		}
	}
}

// page resolves the caller's page named in the URL.
func (h *APIHandler) page(w http.ResponseWriter, r *http.Request) (*core.Page, bool) {
	kind, ok := kindParam(r)
	if !ok {
		h.Error(w, http.StatusNotFound, "unknown page")
		return nil, false
	}
	p, ok := h.pages.Get(userFrom(r.Context()).ID, chi.URLParam(r, "pageID"))
	if !ok || p.Kind() != kind {
		h.Error(w, http.StatusNotFound, "page not found")
		return nil, false
	}
	return p, true
}

type AskRequest struct {
	Question string `json:"question"`
}

func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	req, err := h.readAsk(r, p.Kind())
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := p.Send(r.Context(), req); err != nil {
		h.pageError(w, err)
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]string{"session_id": p.SessionID()})
}

// readAsk reads a JSON question for chat pages and a multipart form with a file otherwise.
func (h *APIHandler) readAsk(r *http.Request, kind store.Kind) (core.Request, error) {
	if kind == store.KindChat {
		var body AskRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
			return core.Request{}, fmt.Errorf("invalid request body: %v", err)
		}
		return core.Request{Question: body.Question}, nil
	}

	r.Body = http.MaxBytesReader(nil, r.Body, h.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		return core.Request{}, fmt.Errorf("invalid upload: %v", err)
	}
	req := core.Request{Question: r.FormValue("question")}

	f, hdr, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return core.Request{}, fmt.Errorf("invalid upload: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return core.Request{}, fmt.Errorf("invalid upload: %v", err)
	}

	mimeType := hdr.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	switch kind {
	case store.KindVision:
		if !strings.HasPrefix(mimeType, "image/") {
			return core.Request{}, errors.New("the file must be an image")
		}
	case store.KindStudy:
		if !strings.HasPrefix(mimeType, "application/pdf") {
			return core.Request{}, errors.New("the file must be a PDF")
		}
	}
	req.File = &gateway.File{Name: hdr.Filename, MIMEType: mimeType, Data: data}
	return req, nil
}

func (h *APIHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	h.JSON(w, http.StatusOK, map[string]bool{"stopped": p.Stop()})
}

func (h *APIHandler) RegenerateHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	if err := p.Regenerate(r.Context()); err != nil {
		h.pageError(w, err)
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]string{"session_id": p.SessionID()})
}

func (h *APIHandler) NewSessionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	id, err := p.NewSession(r.Context())
	if err != nil {
		h.pageError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (h *APIHandler) OpenSessionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := h.page(w, r)
	if !ok {
		return
	}
	if err := p.Open(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.pageError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"session_id": p.SessionID()})
}

func (h *APIHandler) ListHistoryHandler(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(r)
	if !ok {
		h.Error(w, http.StatusNotFound, "unknown page")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.store.ListRecent(r.Context(), userFrom(r.Context()).ID, kind, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to list history")
		h.Error(w, http.StatusInternalServerError, "Failed to list history")
		return
	}
	if items == nil {
		items = []store.Summary{}
	}
	h.JSON(w, http.StatusOK, items)
}

func (h *APIHandler) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(r)
	if !ok {
		h.Error(w, http.StatusNotFound, "unknown page")
		return
	}
	rec, err := h.store.GetSession(r.Context(), userFrom(r.Context()).ID, kind, chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "Session not found")
			return
		}
		h.logger.Error().Err(err).Msg("failed to get session")
		h.Error(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	h.JSON(w, http.StatusOK, rec)
}

func (h *APIHandler) pageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrBusy), errors.Is(err, core.ErrSessionSwitched),
		errors.Is(err, core.ErrNothingToRepeat), errors.Is(err, core.ErrReselectFile):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrPageClosed):
		h.Error(w, http.StatusGone, err.Error())
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "Session not found")
	default:
		h.logger.Error().Err(err).Msg("page request failed")
		h.Error(w, http.StatusInternalServerError, "Request failed")
	}
}
