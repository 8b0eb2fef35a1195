package playback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTrackClosed is returned by Play on a released track.
var ErrTrackClosed = errors.New("playback track closed")

// Track is one live audio output resource.
//
// A run starts with Play from the beginning and ends when the audio reaches
// its end or the track is closed; Done returns the channel of the current
// run. Pause keeps the position, Rewind moves it back to the start without
// ending the run. After a run ends the track can be played again.
type Track interface {
	Play() error
	Pause()
	Rewind()
	Close() error
	Done() <-chan struct{}
}

// Player resolves audio handles into tracks.
type Player interface {
	Open(ctx context.Context, handle string) (Track, error)
}

// NullPlayer is a headless Player. Tracks last Duration(handle), or finish
// immediately when Duration is nil.
type NullPlayer struct {
	Duration func(handle string) time.Duration
}

func (p NullPlayer) Open(ctx context.Context, handle string) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d time.Duration
	if p.Duration != nil {
		d = p.Duration(handle)
	}
	return NewTimedTrack(d), nil
}

// TimedTrack is a Track that plays silence for a fixed length.
type TimedTrack struct {
	length time.Duration

	mu      sync.Mutex
	elapsed time.Duration
	started time.Time
	timer   *time.Timer
	playing bool
	closed  bool
	done    chan struct{}
}

func NewTimedTrack(length time.Duration) *TimedTrack {
	return &TimedTrack{length: length, done: make(chan struct{})}
}

func (t *TimedTrack) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTrackClosed
	}
	if t.playing {
		return nil
	}
	t.playing = true
	t.started = time.Now()
	remaining := t.length - t.elapsed
	if remaining < 0 {
		remaining = 0
	}
	done := t.done
	t.timer = time.AfterFunc(remaining, func() { t.finish(done) })
	return nil
}

func (t *TimedTrack) finish(run chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.done != run || !t.playing {
		return
	}
	t.playing = false
	t.elapsed = 0
	close(run)
	t.done = make(chan struct{})
}

func (t *TimedTrack) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.playing {
		return
	}
	t.timer.Stop()
	t.elapsed += time.Since(t.started)
	t.playing = false
}

func (t *TimedTrack) Rewind() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = 0
	if t.playing {
		t.timer.Stop()
		t.started = time.Now()
		done := t.done
		t.timer = time.AfterFunc(t.length, func() { t.finish(done) })
	}
}

func (t *TimedTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.playing = false
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
	return nil
}

func (t *TimedTrack) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Playing reports whether the track is currently producing audio.
func (t *TimedTrack) Playing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.playing
}
