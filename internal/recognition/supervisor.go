package recognition

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/lexivoice/internal/logging"
)

// Handler receives the outcome of every listen cycle and reports whether
// the supervisor should listen again.
type Handler func(ctx context.Context, transcript string, err error) bool

// Supervisor re-invokes Listen after each completed or failed cycle until
// the handler declines, ctx ends, or recognition is unsupported.
type Supervisor struct {
	session *Session
	handle  Handler
	limiter *rate.Limiter
}

// NewSupervisor limits restarts to one per minInterval with a small burst so
// a recognizer that fails instantly cannot spin.
func NewSupervisor(session *Session, handle Handler, minInterval time.Duration) *Supervisor {
	if minInterval <= 0 {
		minInterval = 250 * time.Millisecond
	}
	return &Supervisor{
		session: session,
		handle:  handle,
		limiter: rate.NewLimiter(rate.Every(minInterval), 3),
	}
}

func (sv *Supervisor) Run(ctx context.Context) error {
	for {
		if err := sv.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		text, err := sv.session.Listen(ctx)
		switch {
		case errors.Is(err, ErrUnsupported):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrBusy):
			logging.WarnwCtx(ctx, "recognition supervisor found session busy")
			return err
		}
		if !sv.handle(ctx, text, err) {
			return nil
		}
	}
}
