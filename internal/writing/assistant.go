// Package writing backs the writing-assistant surface: a one-shot improve
// and spelling pass followed by a voice revision loop over the result.
package writing

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/lexivoice/internal/conversation"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/recognition"
)

var ErrEmptyText = errors.New("no text to process")

// Backend is the writing half of the backend gateway.
type Backend interface {
	conversation.Reviser
	ImproveWriting(ctx context.Context, text string) (string, error)
}

type Options struct {
	Loop conversation.Options
	// OnUpdate observes every change of the panes.
	OnUpdate func(State)
}

// Result of one Process pass. A failed request leaves its pane empty.
type Result struct {
	Improved string `json:"improved"`
	Mistakes string `json:"mistakes"`
	Working  string `json:"working"`
}

// State is the surface view: panes, working text and loop progress.
type State struct {
	Improved string              `json:"improved"`
	Mistakes string              `json:"mistakes"`
	Working  string              `json:"working"`
	Running  bool                `json:"running"`
	Outcome  string              `json:"outcome"`
	Turns    []conversation.Turn `json:"turns"`
}

type Assistant struct {
	base    context.Context
	backend Backend
	speaker conversation.Speaker
	session *recognition.Session
	opts    Options

	mu       sync.Mutex
	improved string
	mistakes string
	loop     *conversation.Loop
	done     chan struct{}
}

// NewAssistant runs loops under base, the lifetime of the hosting surface.
func NewAssistant(base context.Context, backend Backend, speaker conversation.Speaker, session *recognition.Session, opts Options) *Assistant {
	if opts.Loop.Channel == "" {
		opts.Loop.Channel = "writing"
	}
	return &Assistant{base: base, backend: backend, speaker: speaker, session: session, opts: opts}
}

// Process improves and spell-checks text in parallel, then starts a new
// revision loop over the improved text (or the original when improvement
// failed). A loop from an earlier Process is cancelled first.
func (a *Assistant) Process(ctx context.Context, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	a.cancelLoop()

	var improved, mistakes string
	var g errgroup.Group
	g.Go(func() error {
		out, err := a.backend.ImproveWriting(ctx, text)
		if err != nil {
			logging.WarnwCtx(ctx, "improve writing failed", "error", err)
			return nil
		}
		improved = out
		return nil
	})
	g.Go(func() error {
		out, err := a.backend.CheckSpelling(ctx, text)
		if err != nil {
			logging.WarnwCtx(ctx, "spelling check failed", "error", err)
			return nil
		}
		mistakes = out
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	working := text
	if t := strings.TrimSpace(improved); t != "" {
		working = t
	}

	loopOpts := a.opts.Loop
	userOnTurn := loopOpts.OnTurn
	var loop *conversation.Loop
	loopOpts.OnTurn = func(turn conversation.Turn) {
		a.mu.Lock()
		if turn.Applied {
			a.improved = loop.WorkingText()
		}
		if turn.Applied || turn.Mistakes != "" {
			a.mistakes = turn.Mistakes
		}
		a.mu.Unlock()
		if userOnTurn != nil {
			userOnTurn(turn)
		}
		a.publish()
	}
	loop = conversation.NewLoop(a.session, a.speaker, a.backend, working, loopOpts)
	done := make(chan struct{})

	a.mu.Lock()
	a.improved = improved
	a.mistakes = mistakes
	a.loop = loop
	a.done = done
	a.mu.Unlock()
	a.publish()

	go func() {
		defer close(done)
		outcome, err := loop.Run(a.base)
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.WarnwCtx(a.base, "writing loop ended with error", "outcome", outcome.String(), "error", err)
		}
		a.publish()
	}()

	return Result{Improved: improved, Mistakes: mistakes, Working: working}, nil
}

func (a *Assistant) State() State {
	a.mu.Lock()
	st := State{Improved: a.improved, Mistakes: a.mistakes}
	loop := a.loop
	a.mu.Unlock()
	if loop != nil {
		st.Working = loop.WorkingText()
		st.Running = loop.Running()
		st.Outcome = loop.Outcome().String()
		st.Turns = loop.Turns()
	}
	return st
}

// Done is closed when the current loop returns. It is nil before the first
// Process.
func (a *Assistant) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Close cancels the running loop.
func (a *Assistant) Close() {
	a.cancelLoop()
}

func (a *Assistant) cancelLoop() {
	a.mu.Lock()
	loop := a.loop
	done := a.done
	a.mu.Unlock()
	if loop == nil {
		return
	}
	loop.Cancel()
	if done != nil {
		<-done
	}
}

func (a *Assistant) publish() {
	if a.opts.OnUpdate != nil {
		a.opts.OnUpdate(a.State())
	}
}
