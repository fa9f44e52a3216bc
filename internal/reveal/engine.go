package reveal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"aiedu.app/tutor/internal/render"
)

type State int32

const (
	Idle State = iota
	Revealing
	Stopped
	Completed
	Finalized
	// Abandoned ends a reveal without rendering or persisting it (session switch, page close).
	Abandoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Revealing:
		return "revealing"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	case Finalized:
		return "finalized"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// Outcome says how a reveal reached its terminal state.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeAbandoned Outcome = "abandoned"
)

// Bubble is the answer bubble the engine writes into.
type Bubble interface {
	// Reveal shows a raw prefix of the answer while the reveal runs.
	Reveal(partial string)
	// Finish replaces the body with the rendered answer, removes the stop control
	// and busy indicator, and enables regenerate.
	Finish(html string)
	// Fail shows an error in place of the answer.
	Fail(message string)
}

type Options struct {
	Tick     time.Duration
	Watch    time.Duration
	Renderer render.Renderer
	// OnFinalize runs exactly once, after the bubble has been finished, with the way the reveal ended.
	OnFinalize func(Outcome)
}

// Engine reveals one complete answer into one bubble. An Engine is single use.
type Engine struct {
	bubble Bubble
	answer []rune
	text   string
	opts   Options

	mu      sync.Mutex
	state   State
	shown   int
	outcome Outcome

	started   atomic.Bool
	stopped   atomic.Bool
	finalized atomic.Bool

	ctx        context.Context
	cancel     context.CancelFunc
	stopParent func() bool
	done       chan struct{}
}

func New(bubble Bubble, answer string, opts Options) *Engine {
	if opts.Tick <= 0 {
		opts.Tick = TickInterval
	}
	if opts.Watch <= 0 {
		opts.Watch = WatchInterval
	}
	if opts.Renderer == nil {
		opts.Renderer = render.NewMarkdown()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		bubble: bubble,
		answer: []rune(answer),
		text:   answer,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins the reveal. Cancelling parent abandons it.
// An empty answer finalizes before Start returns.
func (e *Engine) Start(parent context.Context) {
	if !e.started.CompareAndSwap(false, true) || e.finalized.Load() {
		return
	}
	if parent != nil {
		stop := context.AfterFunc(parent, func() { e.Abandon() })
		e.mu.Lock()
		e.stopParent = stop
		e.mu.Unlock()
	}

	if len(e.answer) == 0 {
		e.mu.Lock()
		e.state = Completed
		e.mu.Unlock()
		e.finalize(OutcomeCompleted)
		return
	}

	e.mu.Lock()
	e.state = Revealing
	e.mu.Unlock()
	go e.tickLoop()
	go e.watchLoop()
}

func (e *Engine) tickLoop() {
	t := time.NewTicker(e.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			if e.advance() {
				return
			}
		}
	}
}

// advance reveals one frame and reports whether the ticker is done.
func (e *Engine) advance() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Revealing {
		return true
	}
	total := len(e.answer)
	e.shown = min(total, e.shown+Step(total-e.shown))
	e.bubble.Reveal(string(e.answer[:e.shown]))
	if e.shown == total {
		e.state = Completed
		return true
	}
	return false
}

func (e *Engine) watchLoop() {
	t := time.NewTicker(e.opts.Watch)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.mu.Lock()
			complete := e.shown >= len(e.answer)
			e.mu.Unlock()
			if complete {
				e.finalize(OutcomeCompleted)
				return
			}
		}
	}
}

// Stop skips the rest of the reveal and shows the full rendered answer.
// It fires at most once; later calls, and calls after the reveal finalized, return false.
func (e *Engine) Stop() bool {
	if !e.started.Load() || e.finalized.Load() {
		return false
	}
	if !e.stopped.CompareAndSwap(false, true) {
		return false
	}
	outcome := OutcomeStopped
	e.mu.Lock()
	if e.shown >= len(e.answer) {
		outcome = OutcomeCompleted
	} else if e.state == Revealing {
		e.state = Stopped
	}
	e.mu.Unlock()
	return e.finalize(outcome)
}

// Abandon tears the reveal down without rendering. The OnFinalize callback still runs.
func (e *Engine) Abandon() bool {
	return e.finalize(OutcomeAbandoned)
}

func (e *Engine) finalize(outcome Outcome) bool {
	if !e.finalized.CompareAndSwap(false, true) {
		return false
	}
	e.cancel()

	var html string
	if outcome != OutcomeAbandoned {
		html = e.opts.Renderer.Render(e.text)
	}

	e.mu.Lock()
	e.outcome = outcome
	if outcome == OutcomeAbandoned {
		e.state = Abandoned
	} else {
		e.shown = len(e.answer)
		e.state = Finalized
		e.bubble.Finish(html)
	}
	stopParent := e.stopParent
	e.mu.Unlock()

	if stopParent != nil {
		stopParent()
	}
	if e.opts.OnFinalize != nil {
		e.opts.OnFinalize(outcome)
	}
	close(e.done)
	return true
}

// Done is closed once the reveal has finalized or been abandoned and OnFinalize returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Shown() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shown
}

func (e *Engine) Total() int { return len(e.answer) }

// Outcome is empty until the engine finalized.
func (e *Engine) Outcome() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}
