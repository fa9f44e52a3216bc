package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiedu.app/tutor/internal/events"
	"aiedu.app/tutor/internal/gateway"
	"aiedu.app/tutor/internal/render"
	"aiedu.app/tutor/internal/reveal"
	"aiedu.app/tutor/internal/store"
)

const owner = "student-1"

type fakeBubble struct {
	mu       sync.Mutex
	header   string
	frames   []string
	finished []string
	failed   []string
}

func (b *fakeBubble) Reveal(partial string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, partial)
}

func (b *fakeBubble) Finish(html string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, html)
}

func (b *fakeBubble) Fail(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, message)
}

func (b *fakeBubble) state() (frames, finished, failed []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.frames...), append([]string(nil), b.finished...), append([]string(nil), b.failed...)
}

type fakeView struct {
	mu        sync.Mutex
	empties   []string
	messages  [][]DisplayMessage
	histories [][]store.Summary
	users     []string
	extras    []map[string]string
	bubbles   []*fakeBubble
	prompts   []string
	redirects []string
}

func (v *fakeView) RenderEmpty(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.empties = append(v.empties, text)
}

func (v *fakeView) RenderMessages(msgs []DisplayMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = append(v.messages, msgs)
}

func (v *fakeView) RenderHistory(items []store.Summary, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.histories = append(v.histories, items)
}

func (v *fakeView) AppendUser(text string, extra map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.users = append(v.users, text)
	v.extras = append(v.extras, extra)
}

func (v *fakeView) NewBubble(header string) reveal.Bubble {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := &fakeBubble{header: header}
	v.bubbles = append(v.bubbles, b)
	return b
}

func (v *fakeView) Prompt(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prompts = append(v.prompts, text)
}

func (v *fakeView) Redirect(path string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.redirects = append(v.redirects, path)
}

func (v *fakeView) bubble(i int) *fakeBubble {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bubbles[i]
}

func (v *fakeView) historyCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.histories)
}

// fakeGateway answers every call with result. When gate is set, calls wait for it.
type fakeGateway struct {
	mu      sync.Mutex
	result  gateway.Result
	gate    chan struct{}
	entered chan struct{}
	calls   int
}

func (g *fakeGateway) answer(ctx context.Context) gateway.Result {
	g.mu.Lock()
	g.calls++
	gate, entered, res := g.gate, g.entered, g.result
	g.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gateway.Failed("request cancelled")
		}
	}
	return res
}

func (g *fakeGateway) Ask(ctx context.Context, _ string) gateway.Result { return g.answer(ctx) }
func (g *fakeGateway) AnalyzeImage(ctx context.Context, _ gateway.File) gateway.Result {
	return g.answer(ctx)
}
func (g *fakeGateway) AnalyzePDF(ctx context.Context, _ gateway.File, _ string) gateway.Result {
	return g.answer(ctx)
}

func (g *fakeGateway) block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{}, 1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.ExchangePersisted
}

func (r *recordingPublisher) Publish(_ string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, data.(events.ExchangePersisted))
	return nil
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type fixture struct {
	store *store.MemoryStore
	gw    *fakeGateway
	pub   *recordingPublisher
	view  *fakeView
	page  *Page
}

func newFixture(t *testing.T, v Variant, answer string) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		gw:    &fakeGateway{result: gateway.Answered(answer)},
		pub:   &recordingPublisher{},
		view:  &fakeView{},
	}
	f.page = NewPage(owner, v, f.view, Deps{
		Store:    f.store,
		Gateway:  f.gw,
		Renderer: render.NewMarkdown(),
		Events:   f.pub,
		Logger:   zerolog.Nop(),
		Tick:     time.Millisecond,
		Watch:    2 * time.Millisecond,
	})
	t.Cleanup(f.page.Close)
	return f
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.page.Busy() }, 5*time.Second, time.Millisecond)
}

func (f *fixture) record(t *testing.T, id string) *store.ConversationRecord {
	t.Helper()
	rec, err := f.store.GetSession(context.Background(), owner, f.page.Kind(), id)
	require.NoError(t, err)
	return rec
}

func TestPage_EndToEnd(t *testing.T) {
	f := newFixture(t, Chat, "World War II ended in 1945.")
	ctx := context.Background()

	require.NoError(t, f.page.Send(ctx, Request{Question: "When did WWII end?"}))
	assert.Equal(t, []string{"When did WWII end?"}, f.view.users)
	f.waitIdle(t)

	_, finished, failed := f.view.bubble(0).state()
	assert.Empty(t, failed)
	require.Len(t, finished, 1)
	assert.Contains(t, finished[0], "World War II ended in 1945.")

	rec := f.record(t, f.page.SessionID())
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, store.RoleUser, rec.Messages[0].Role)
	assert.Equal(t, "When did WWII end?", rec.Messages[0].Text)
	assert.Equal(t, store.RoleAI, rec.Messages[1].Role)
	assert.Equal(t, "World War II ended in 1945.", rec.Messages[1].Text)
	assert.Equal(t, "When did WWII end?", rec.Title)

	assert.Equal(t, 1, f.pub.count())
	assert.Equal(t, "completed", f.pub.events[0].Outcome)
	assert.Equal(t, 1, f.view.historyCount())
	assert.Equal(t, rec.Title, f.view.histories[0][0].Title)
}

func TestPage_GatewayFailureIsNotPersisted(t *testing.T) {
	f := newFixture(t, Chat, "")
	f.gw.result = gateway.Failed("quota exceeded")
	ctx := context.Background()

	require.NoError(t, f.page.Send(ctx, Request{Question: "When did WWII end?"}))
	assert.False(t, f.page.Busy(), "guard is released on failure")

	frames, finished, failed := f.view.bubble(0).state()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "quota exceeded")
	assert.Empty(t, frames, "no reveal starts on failure")
	assert.Empty(t, finished)

	rec := f.record(t, f.page.SessionID())
	assert.Empty(t, rec.Messages)
	assert.Zero(t, f.pub.count())

	// Regenerate is available after a failure.
	f.gw.mu.Lock()
	f.gw.result = gateway.Answered("World War II ended in 1945.")
	f.gw.mu.Unlock()
	require.NoError(t, f.page.Regenerate(ctx))
	f.waitIdle(t)
	assert.Len(t, f.record(t, f.page.SessionID()).Messages, 2)
}

func TestPage_RegenerateAfterSuccessAppendsSecondPair(t *testing.T) {
	f := newFixture(t, Chat, "World War II ended in 1945.")
	ctx := context.Background()

	require.NoError(t, f.page.Send(ctx, Request{Question: "When did WWII end?"}))
	f.waitIdle(t)
	sid := f.page.SessionID()

	f.gw.mu.Lock()
	f.gw.result = gateway.Answered("It ended on 2 September 1945.")
	f.gw.mu.Unlock()
	require.NoError(t, f.page.Regenerate(ctx))
	f.waitIdle(t)

	assert.Equal(t, sid, f.page.SessionID(), "regenerate stays in the same session")
	assert.Equal(t, []string{"When did WWII end?", "When did WWII end?"}, f.view.users)

	rec := f.record(t, sid)
	require.Len(t, rec.Messages, 4)
	assert.Equal(t, store.RoleUser, rec.Messages[2].Role)
	assert.Equal(t, "When did WWII end?", rec.Messages[2].Text)
	assert.Equal(t, store.RoleAI, rec.Messages[3].Role)
	assert.Equal(t, "It ended on 2 September 1945.", rec.Messages[3].Text)
	assert.Equal(t, "When did WWII end?", rec.Title, "the title is not rewritten")

	_, finished, _ := f.view.bubble(1).state()
	require.Len(t, finished, 1)
	assert.Contains(t, finished[0], "2 September 1945")
	assert.Equal(t, 2, f.pub.count())
	assert.Equal(t, 2, f.gw.calls)
}

func TestPage_DoubleSubmitIsANoop(t *testing.T) {
	f := newFixture(t, Chat, "World War II ended in 1945.")
	f.gw.block()
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- f.page.Send(ctx, Request{Question: "When did WWII end?"}) }()
	<-f.gw.entered

	assert.ErrorIs(t, f.page.Send(ctx, Request{Question: "When did WWII end?"}), ErrBusy)
	assert.ErrorIs(t, f.page.Regenerate(ctx), ErrBusy)

	close(f.gw.gate)
	require.NoError(t, <-errc)
	f.waitIdle(t)

	assert.Equal(t, 1, f.gw.calls)
	assert.Len(t, f.view.users, 1)
	assert.Len(t, f.record(t, f.page.SessionID()).Messages, 2)
}

func TestPage_EmptyQuestionDoesNothing(t *testing.T) {
	f := newFixture(t, Chat, "x")
	err := f.page.Send(context.Background(), Request{Question: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, f.page.Busy())
	assert.Empty(t, f.page.SessionID(), "no session is created")
	assert.Empty(t, f.view.users)
	assert.Zero(t, f.gw.calls)
}

func TestPage_LateAnswerAfterSessionSwitchIsDiscarded(t *testing.T) {
	f := newFixture(t, Chat, "World War II ended in 1945.")
	ctx := context.Background()

	a, err := f.page.NewSession(ctx)
	require.NoError(t, err)
	f.gw.block()

	errc := make(chan error, 1)
	go func() { errc <- f.page.Send(ctx, Request{Question: "When did WWII end?"}) }()
	<-f.gw.entered

	b, err := f.page.NewSession(ctx)
	require.NoError(t, err)
	close(f.gw.gate)

	assert.ErrorIs(t, <-errc, ErrSessionSwitched)
	f.waitIdle(t)
	assert.Empty(t, f.record(t, a).Messages)
	assert.Empty(t, f.record(t, b).Messages)
	assert.Equal(t, b, f.page.SessionID())
}

func TestPage_SessionSwitchDuringRevealAbandonsIt(t *testing.T) {
	f := newFixture(t, Chat, strings.Repeat("long answer ", 400))
	f.page.deps.Tick = 20 * time.Millisecond
	ctx := context.Background()

	other, err := f.store.CreateSession(ctx, owner, store.KindChat, "")
	require.NoError(t, err)

	require.NoError(t, f.page.Send(ctx, Request{Question: "Tell me about 1945"}))
	first := f.page.SessionID()
	require.True(t, f.page.Busy())

	require.NoError(t, f.page.Open(ctx, other))
	f.waitIdle(t)

	assert.Empty(t, f.record(t, first).Messages)
	assert.Empty(t, f.record(t, other).Messages)
	_, finished, _ := f.view.bubble(0).state()
	assert.Empty(t, finished)
	assert.Zero(t, f.pub.count())
}

func TestPage_StopStoresOnePair(t *testing.T) {
	answer := strings.Repeat("The war in Europe ended on 8 May 1945. ", 100)
	f := newFixture(t, Chat, answer)
	f.page.deps.Tick = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, f.page.Send(ctx, Request{Question: "When did WWII end?"}))
	time.Sleep(30 * time.Millisecond)
	require.True(t, f.page.Stop())
	assert.False(t, f.page.Stop())
	f.waitIdle(t)

	_, finished, _ := f.view.bubble(0).state()
	require.Len(t, finished, 1)
	assert.Contains(t, finished[0], "8 May 1945")

	rec := f.record(t, f.page.SessionID())
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, strings.TrimSpace(answer), rec.Messages[1].Text)
	assert.Equal(t, 1, f.pub.count())
	assert.Equal(t, "stopped", f.pub.events[0].Outcome)
}

func TestPage_EmptyAnswerStillPersists(t *testing.T) {
	f := newFixture(t, Chat, "")
	require.NoError(t, f.page.Send(context.Background(), Request{Question: "Anything?"}))
	f.waitIdle(t)

	rec := f.record(t, f.page.SessionID())
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "", rec.Messages[1].Text)
}

func TestPage_VisionVariant(t *testing.T) {
	f := newFixture(t, Vision, "A map of Europe in 1945.")
	ctx := context.Background()
	img := &gateway.File{Name: "map.png", MIMEType: "image/png", Data: []byte{1, 2, 3}}

	assert.ErrorIs(t, f.page.Send(ctx, Request{}), ErrInvalidRequest)

	require.NoError(t, f.page.Send(ctx, Request{File: img}))
	f.waitIdle(t)

	rec := f.record(t, f.page.SessionID())
	assert.Equal(t, "Analysis: map.png", rec.Title)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "[Image] map.png", rec.Messages[0].Text)
	assert.Equal(t, "map.png", rec.Messages[0].Extra[ExtraFileName])
	assert.Equal(t, "map.png", f.view.bubble(0).header)

	assert.ErrorIs(t, f.page.Regenerate(ctx), ErrReselectFile)
	assert.Equal(t, []string{Vision.ReselectPrompt}, f.view.prompts)
	assert.Equal(t, 1, f.gw.calls)
}

func TestPage_StudyVariant(t *testing.T) {
	f := newFixture(t, Study, "The document says 1945.")
	ctx := context.Background()
	doc := &gateway.File{Name: "notes.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}

	assert.ErrorIs(t, f.page.Send(ctx, Request{Question: "When?"}), ErrInvalidRequest)
	assert.ErrorIs(t, f.page.Send(ctx, Request{File: doc}), ErrInvalidRequest)

	question := strings.Repeat("q", 90)
	require.NoError(t, f.page.Send(ctx, Request{Question: question, File: doc}))
	f.waitIdle(t)

	rec := f.record(t, f.page.SessionID())
	assert.Equal(t, strings.Repeat("q", 80)+"...", rec.Title)
	assert.Equal(t, question, rec.Messages[0].Text)
	assert.ErrorIs(t, f.page.Regenerate(ctx), ErrReselectFile)
}

func TestPage_RegenerateWithoutHistory(t *testing.T) {
	f := newFixture(t, Chat, "x")
	assert.ErrorIs(t, f.page.Regenerate(context.Background()), ErrNothingToRepeat)
}

func TestPage_Load(t *testing.T) {
	f := newFixture(t, Chat, "x")
	ctx := context.Background()

	require.NoError(t, f.page.Load(ctx))
	assert.Equal(t, []string{Chat.EmptyText}, f.view.empties)
	assert.Empty(t, f.page.SessionID())

	old, err := f.store.CreateSession(ctx, owner, store.KindChat, "")
	require.NoError(t, err)
	recent, err := f.store.CreateSession(ctx, owner, store.KindChat, "")
	require.NoError(t, err)
	require.NoError(t, f.store.AppendMessages(ctx, owner, store.KindChat, recent,
		store.Message{Role: store.RoleUser, Text: "q <b>"},
		store.Message{Role: store.RoleAI, Text: "**1945**"},
	))
	_ = old

	require.NoError(t, f.page.Load(ctx))
	assert.Equal(t, recent, f.page.SessionID())
	require.Len(t, f.view.messages, 1)
	shown := f.view.messages[0]
	require.Len(t, shown, 2)
	assert.Equal(t, "q &lt;b&gt;", shown[0].HTML)
	assert.Contains(t, shown[1].HTML, "<strong>1945</strong>")
}

func TestPage_OpenFailureLeavesPageUnchanged(t *testing.T) {
	f := newFixture(t, Chat, "x")
	ctx := context.Background()
	id, err := f.page.NewSession(ctx)
	require.NoError(t, err)

	err = f.page.Open(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, id, f.page.SessionID())
	assert.Empty(t, f.view.messages)
}

type staticAuth struct{ user *store.User }

func (s staticAuth) Subscribe(fn func(*store.User)) func() {
	fn(s.user)
	return func() {}
}

func TestPage_WatchAuth(t *testing.T) {
	f := newFixture(t, Chat, "x")
	f.page.WatchAuth(staticAuth{user: &store.User{ID: owner}})
	assert.Empty(t, f.view.redirects)

	f.page.WatchAuth(staticAuth{})
	select {
	case <-f.page.Done():
	case <-time.After(time.Second):
		t.Fatal("page was not closed on sign-out")
	}
	assert.Equal(t, []string{"/auth"}, f.view.redirects)
	assert.ErrorIs(t, f.page.Send(context.Background(), Request{Question: "q"}), ErrPageClosed)
}
