package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/lexivoice/internal/capture"
)

var ErrNothingPending = errors.New("no recording pending review")

// Review routes finished recordings: automatic stops are submitted at once,
// manual stops wait for Send or Discard.
type Review struct {
	thread *Thread

	mu      sync.Mutex
	pending *capture.Result
}

func NewReview(thread *Thread) *Review {
	return &Review{thread: thread}
}

// Accept takes a finalized recording. It reports whether the result was
// submitted right away. Failed recordings, including ones whose microphone
// was lost, are returned as errors and never submitted.
func (r *Review) Accept(ctx context.Context, res capture.Result) (bool, error) {
	if res.Err != nil || len(res.Blob) == 0 {
		return false, res.Err
	}
	if res.Manual {
		r.mu.Lock()
		r.pending = &res
		r.mu.Unlock()
		return false, nil
	}
	_, err := r.thread.SubmitAudio(ctx, res)
	return true, err
}

// Pending returns the recording awaiting review, if any.
func (r *Review) Pending() (capture.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return capture.Result{}, false
	}
	return *r.pending, true
}

// Send submits the pending recording.
func (r *Review) Send(ctx context.Context) (Message, error) {
	r.mu.Lock()
	res := r.pending
	r.pending = nil
	r.mu.Unlock()
	if res == nil {
		return Message{}, ErrNothingPending
	}
	return r.thread.SubmitAudio(ctx, *res)
}

func (r *Review) Discard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	had := r.pending != nil
	r.pending = nil
	return had
}
