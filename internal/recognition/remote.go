package recognition

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNotListening = errors.New("no recognition cycle is waiting for a transcript")

type remoteOutcome struct {
	text string
	err  error
}

// RemoteRecognizer waits for transcripts produced by the UI surface's own
// speech recognition and delivered over the API.
type RemoteRecognizer struct {
	// OnListen, when set, is called as each cycle starts so the surface can
	// begin capturing speech.
	OnListen func()

	mu      sync.Mutex
	waiting chan remoteOutcome
}

func (r *RemoteRecognizer) Recognize(ctx context.Context) (string, error) {
	ch := make(chan remoteOutcome, 1)
	r.mu.Lock()
	if r.waiting != nil {
		r.mu.Unlock()
		return "", ErrBusy
	}
	r.waiting = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.waiting == ch {
			r.waiting = nil
		}
		r.mu.Unlock()
	}()

	if r.OnListen != nil {
		r.OnListen()
	}

	select {
	case out := <-ch:
		return out.text, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Listening reports whether a cycle is waiting for input.
func (r *RemoteRecognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiting != nil
}

// Deliver completes the waiting cycle with a final transcript.
func (r *RemoteRecognizer) Deliver(text string) error {
	return r.complete(remoteOutcome{text: text})
}

// Fail completes the waiting cycle with a recognition error.
func (r *RemoteRecognizer) Fail(reason string) error {
	return r.complete(remoteOutcome{err: fmt.Errorf("%w: %s", ErrRecognition, reason)})
}

// End completes the waiting cycle without any result.
func (r *RemoteRecognizer) End() error {
	return r.complete(remoteOutcome{err: ErrNoResult})
}

func (r *RemoteRecognizer) complete(out remoteOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return ErrNotListening
	}
	r.waiting <- out
	r.waiting = nil
	return nil
}
