package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"aiedu.app/tutor/internal/events"
	"aiedu.app/tutor/internal/gateway"
	"aiedu.app/tutor/internal/metrics"
	"aiedu.app/tutor/internal/render"
	"aiedu.app/tutor/internal/reveal"
	"aiedu.app/tutor/internal/store"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrBusy            = errors.New("an answer is already in progress")
	ErrSessionSwitched = errors.New("session changed before the answer arrived")
	ErrReselectFile    = errors.New("the file must be selected again")
	ErrNothingToRepeat = errors.New("no previous question to regenerate")
	ErrPageClosed      = errors.New("page closed")
)

const (
	persistTimeout   = 10 * time.Second
	signInPath       = "/auth"
	saveFailedPrompt = "Your answer could not be saved to history. Please try again."
)

// Deps are the collaborators shared by every page.
type Deps struct {
	Store    store.RecordStore
	Gateway  gateway.Client
	Renderer render.Renderer
	Events   events.Publisher
	Logger   zerolog.Logger
	// Tick and Watch pace the reveal; zero uses the reveal package defaults.
	Tick  time.Duration
	Watch time.Duration
}

// AuthState is a level-triggered stream of the signed-in user.
type AuthState interface {
	Subscribe(fn func(u *store.User)) (unsubscribe func())
}

// Page is one open browser tab of one page kind. It owns the send guard, the
// current session binding and the active reveal.
type Page struct {
	ID      string
	Owner   string
	variant Variant
	deps    Deps
	view    View
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// sending is set from the start of a send until its reveal finalized.
	sending atomic.Bool

	mu          sync.Mutex
	sessionID   string
	epoch       uint64
	engine      *reveal.Engine
	last        *Request
	closed      bool
	unsubscribe func()
	onClose     func(*Page)
}

// exchange is a send bound to the session it started in.
type exchange struct {
	sessionID string
	epoch     uint64
	user      store.Message
	ai        store.Message
}

func NewPage(owner string, v Variant, view View, deps Deps) *Page {
	if deps.Renderer == nil {
		deps.Renderer = render.NewMarkdown()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{
		ID:      id,
		Owner:   owner,
		variant: v,
		deps:    deps,
		view:    view,
		logger: deps.Logger.With().
			Str("page_id", id).
			Str("owner", owner).
			Str("kind", string(v.Kind)).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Page) Kind() store.Kind { return p.variant.Kind }

// Busy reports whether a send is in progress.
func (p *Page) Busy() bool { return p.sending.Load() }

// SessionID is the session currently shown, empty before the first send.
func (p *Page) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// WatchAuth subscribes the page to the auth state. A signed-out state redirects
// to the sign-in page and closes the page.
func (p *Page) WatchAuth(state AuthState) {
	unsubscribe := state.Subscribe(func(u *store.User) {
		if u == nil || u.ID != p.Owner {
			p.view.Redirect(signInPath)
			go p.Close()
		}
	})
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		unsubscribe()
		return
	}
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
}

// Load renders the recency list and opens the most recent session, or the empty state.
func (p *Page) Load(ctx context.Context) error {
	recent, err := p.deps.Store.ListRecent(ctx, p.Owner, p.variant.Kind, store.DefaultRecentLimit)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list recent sessions")
		return fmt.Errorf("list recent sessions: %w", err)
	}
	p.view.RenderHistory(recent, p.variant.HistoryEmptyText)

	if len(recent) == 0 {
		p.mu.Lock()
		p.sessionID = ""
		p.mu.Unlock()
		p.view.RenderEmpty(p.variant.EmptyText)
		return nil
	}
	return p.Open(ctx, recent[0].ID)
}

// Send runs one exchange: validate, take the guard, ensure a session, show the
// user message, call the gateway and hand a successful answer to a reveal engine.
// Send returns once the reveal has started; the pair is stored when it finalizes.
func (p *Page) Send(ctx context.Context, req Request) error {
	req.Question = strings.TrimSpace(req.Question)
	if err := p.variant.validate(req); err != nil {
		return err
	}
	if !p.sending.CompareAndSwap(false, true) {
		return ErrBusy
	}
	started := false
	defer func() {
		if !started {
			p.sending.Store(false)
		}
	}()

	sid, epoch, err := p.ensureSession(ctx, req)
	if err != nil {
		return err
	}

	userText := p.variant.userText(req)
	extra := p.variant.extra(req)
	ex := exchange{
		sessionID: sid,
		epoch:     epoch,
		user:      store.Message{Role: store.RoleUser, Text: userText, Timestamp: time.Now(), Extra: extra},
	}

	remembered := Request{Question: req.Question}
	if !p.variant.NeedsFile() {
		remembered.File = req.File
	}
	p.mu.Lock()
	p.last = &remembered
	p.mu.Unlock()

	p.view.AppendUser(userText, extra)
	bubble := p.view.NewBubble(p.variant.header(req))

	res := p.variant.call(ctx, p.deps.Gateway, req)
	if !p.bound(sid, epoch) {
		p.logger.Info().Str("session_id", sid).Msg("discarding answer for a session that is no longer shown")
		return ErrSessionSwitched
	}
	if !res.OK {
		p.logger.Warn().Str("session_id", sid).Str("error", res.Error).Msg("gateway call failed")
		bubble.Fail(errorText(res.Error))
		return nil
	}

	answer := strings.TrimSpace(res.Answer)
	ex.ai = store.Message{Role: store.RoleAI, Text: answer, Timestamp: time.Now(), Extra: extra}

	var eng *reveal.Engine
	eng = reveal.New(bubble, answer, reveal.Options{
		Tick:     p.deps.Tick,
		Watch:    p.deps.Watch,
		Renderer: p.deps.Renderer,
		OnFinalize: func(o reveal.Outcome) {
			p.finalize(ex, eng, o)
		},
	})

	p.mu.Lock()
	if p.closed || p.epoch != epoch {
		p.mu.Unlock()
		return ErrSessionSwitched
	}
	p.engine = eng
	p.mu.Unlock()

	started = true
	eng.Start(p.ctx)
	return nil
}

// ensureSession returns the current session, creating it on first use.
func (p *Page) ensureSession(ctx context.Context, req Request) (string, uint64, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", 0, ErrPageClosed
	}
	if p.sessionID != "" {
		sid, epoch := p.sessionID, p.epoch
		p.mu.Unlock()
		return sid, epoch, nil
	}
	epoch := p.epoch
	p.mu.Unlock()

	id, err := p.deps.Store.CreateSession(ctx, p.Owner, p.variant.Kind, p.variant.initialTitle(req))
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to create session")
		return "", 0, fmt.Errorf("create session: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.epoch != epoch {
		return "", 0, ErrSessionSwitched
	}
	p.sessionID = id
	return id, epoch, nil
}

// bound reports whether sid is still the session shown, with no switch in between.
func (p *Page) bound(sid string, epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.epoch == epoch && p.sessionID == sid
}

// finalize runs once per reveal. The send guard is released last.
func (p *Page) finalize(ex exchange, eng *reveal.Engine, outcome reveal.Outcome) {
	defer p.sending.Store(false)

	p.mu.Lock()
	if p.engine == eng {
		p.engine = nil
	}
	p.mu.Unlock()

	metrics.RevealOutcomes.WithLabelValues(string(p.variant.Kind), string(outcome)).Inc()
	if outcome == reveal.OutcomeAbandoned {
		p.logger.Debug().Str("session_id", ex.sessionID).Msg("reveal abandoned, exchange not stored")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := p.deps.Store.AppendMessages(ctx, p.Owner, p.variant.Kind, ex.sessionID, ex.user, ex.ai); err != nil {
		metrics.PersistFailures.WithLabelValues(string(p.variant.Kind)).Inc()
		p.logger.Error().Err(err).Str("session_id", ex.sessionID).Msg("failed to store exchange")
		p.view.Prompt(saveFailedPrompt)
		return
	}
	metrics.ExchangesPersisted.WithLabelValues(string(p.variant.Kind)).Inc()

	err := p.deps.Events.Publish(events.SubjectExchangePersisted, events.ExchangePersisted{
		OwnerID:       p.Owner,
		Kind:          string(p.variant.Kind),
		SessionID:     ex.sessionID,
		Outcome:       string(outcome),
		QuestionChars: utf8.RuneCountInString(ex.user.Text),
		AnswerChars:   utf8.RuneCountInString(ex.ai.Text),
		PersistedAt:   time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to publish exchange event")
	}

	p.refreshHistory(ctx)
}

func (p *Page) refreshHistory(ctx context.Context) {
	recent, err := p.deps.Store.ListRecent(ctx, p.Owner, p.variant.Kind, store.DefaultRecentLimit)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to refresh history")
		return
	}
	p.view.RenderHistory(recent, p.variant.HistoryEmptyText)
}

// Stop skips the rest of the active reveal. It reports whether a reveal was stopped.
func (p *Page) Stop() bool {
	p.mu.Lock()
	eng := p.engine
	p.mu.Unlock()
	if eng == nil {
		return false
	}
	return eng.Stop()
}

// Regenerate repeats the last question. Pages whose requests need a file cannot
// reuse it; they prompt for it instead and return ErrReselectFile.
func (p *Page) Regenerate(ctx context.Context) error {
	if p.sending.Load() {
		return ErrBusy
	}
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last == nil {
		return ErrNothingToRepeat
	}
	if p.variant.NeedsFile() {
		p.view.Prompt(p.variant.ReselectPrompt)
		return ErrReselectFile
	}
	return p.Send(ctx, *last)
}

// Open shows a stored session. A failed load leaves the page as it was.
func (p *Page) Open(ctx context.Context, id string) error {
	rec, err := p.deps.Store.GetSession(ctx, p.Owner, p.variant.Kind, id)
	if err != nil {
		p.logger.Error().Err(err).Str("session_id", id).Msg("failed to open session")
		return fmt.Errorf("open session: %w", err)
	}

	if err := p.switchTo(id); err != nil {
		return err
	}

	if len(rec.Messages) == 0 {
		p.view.RenderEmpty(p.variant.EmptyText)
		return nil
	}
	p.view.RenderMessages(p.display(rec.Messages))
	return nil
}

// NewSession creates an empty session and shows it.
func (p *Page) NewSession(ctx context.Context) (string, error) {
	id, err := p.deps.Store.CreateSession(ctx, p.Owner, p.variant.Kind, "")
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to create session")
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := p.switchTo(id); err != nil {
		return "", err
	}
	p.view.RenderEmpty(p.variant.EmptyText)
	p.refreshHistory(ctx)
	return id, nil
}

// switchTo binds the page to session id and abandons any reveal of the previous binding.
func (p *Page) switchTo(id string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPageClosed
	}
	eng := p.engine
	p.engine = nil
	p.epoch++
	p.sessionID = id
	p.last = nil
	p.mu.Unlock()

	if eng != nil {
		eng.Abandon()
	}
	return nil
}

func (p *Page) display(msgs []store.Message) []DisplayMessage {
	out := make([]DisplayMessage, 0, len(msgs))
	for _, m := range msgs {
		d := DisplayMessage{Role: m.Role, Text: m.Text, Extra: m.Extra}
		if m.Role == store.RoleAI {
			d.HTML = p.deps.Renderer.Render(m.Text)
		} else {
			d.HTML = render.Escaped(m.Text)
		}
		out = append(out, d)
	}
	return out
}

// Close tears the page down. An unfinished reveal is abandoned and not stored.
func (p *Page) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	eng := p.engine
	p.engine = nil
	unsubscribe := p.unsubscribe
	onClose := p.onClose
	p.mu.Unlock()

	if eng != nil {
		eng.Abandon()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	p.cancel()
	if onClose != nil {
		onClose(p)
	}
}

// Done is closed when the page has been closed.
func (p *Page) Done() <-chan struct{} { return p.ctx.Done() }
