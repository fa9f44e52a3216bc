package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aiedu.app/tutor/internal/auth"
	"aiedu.app/tutor/internal/core"
	"aiedu.app/tutor/internal/store"
)

const (
	stateCookie      = "oauth_state"
	signInPath       = "/auth"
	homePath         = "/"
	defaultSSEBuffer = 256
	defaultKeepAlive = 15 * time.Second
)

type Options struct {
	MaxUploadBytes int64
	SSEBuffer      int
	KeepAlive      time.Duration
	SecureCookies  bool
}

type APIHandler struct {
	auth     *auth.Provider
	messages *auth.Messages
	pages    *core.Registry
	store    store.RecordStore
	logger   zerolog.Logger
	opts     Options
}

func NewAPIHandler(provider *auth.Provider, pages *core.Registry, records store.RecordStore, logger zerolog.Logger, opts Options) *APIHandler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.SSEBuffer <= 0 {
		opts.SSEBuffer = defaultSSEBuffer
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	return &APIHandler{
		auth:     provider,
		messages: auth.NewMessages(),
		pages:    pages,
		store:    records,
		logger:   logger,
		opts:     opts,
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *APIHandler) JSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

func (h *APIHandler) Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("health check failed")
		h.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type RegisterRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	DisplayName     string `json:"display_name"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var (
		sess *auth.Session
		err  error
	)
	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		err = auth.ErrPasswordMismatch
	} else {
		sess, err = h.auth.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	}
	if err != nil {
		h.authError(w, r, auth.FlowSignUp, err)
		return
	}

	h.setSessionCookie(w, sess)
	h.JSON(w, http.StatusCreated, sess)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	sess, err := h.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.authError(w, r, auth.FlowSignIn, err)
		return
	}

	h.setSessionCookie(w, sess)
	h.JSON(w, http.StatusOK, sess)
}

func (h *APIHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token := tokenFrom(r)
	if token == "" {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := h.auth.SignOut(token); err != nil {
		h.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}
	h.clearCookie(w, tokenCookie)
	w.WriteHeader(http.StatusNoContent)
}

// FederatedStartHandler sends the browser to the consent screen.
func (h *APIHandler) FederatedStartHandler(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	target, err := h.auth.FederatedURL(state)
	if err != nil {
		h.Error(w, http.StatusNotFound, "federated sign-in is not available")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/api/auth/federated",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, target, http.StatusFound)
}

// FederatedCallbackHandler completes a federated sign-in. A dismissed consent
// screen returns to the sign-in page without an error.
func (h *APIHandler) FederatedCallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.clearCookie(w, stateCookie)

	if q.Get("error") != "" || q.Get("code") == "" {
		h.logger.Debug().Str("error", q.Get("error")).Msg("federated sign-in dismissed")
		http.Redirect(w, r, signInPath, http.StatusFound)
		return
	}

	c, err := r.Cookie(stateCookie)
	if err != nil || c.Value == "" || c.Value != q.Get("state") {
		h.federatedFailed(w, r, errors.New("state mismatch"))
		return
	}

	sess, err := h.auth.CompleteFederated(r.Context(), q.Get("code"))
	if err != nil {
		if errors.Is(err, auth.ErrFederatedCancelled) {
			http.Redirect(w, r, signInPath, http.StatusFound)
			return
		}
		h.federatedFailed(w, r, err)
		return
	}

	h.setSessionCookie(w, sess)
	http.Redirect(w, r, homePath, http.StatusFound)
}

func (h *APIHandler) federatedFailed(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn().Err(err).Msg("federated sign-in failed")
	msg := h.messages.For(r.Header.Get("Accept-Language"), auth.FlowFederated, err)
	http.Redirect(w, r, signInPath+"?error="+url.QueryEscape(msg), http.StatusFound)
}

func (h *APIHandler) authError(w http.ResponseWriter, r *http.Request, flow auth.Flow, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, auth.ErrEmailInUse):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrUserNotFound), errors.Is(err, auth.ErrWrongPassword):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrMissingName), errors.Is(err, auth.ErrPasswordMismatch):
		status = http.StatusBadRequest
	default:
		h.logger.Error().Err(err).Msg("auth request failed")
	}
	h.Error(w, status, h.messages.For(r.Header.Get("Accept-Language"), flow, err))
}

func (h *APIHandler) setSessionCookie(w http.ResponseWriter, sess *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *APIHandler) clearCookie(w http.ResponseWriter, name string) {
	path := "/"
	if name == stateCookie {
		path = "/api/auth/federated"
	}
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: path, MaxAge: -1, HttpOnly: true})
}
