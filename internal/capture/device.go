package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Device acquires exclusive microphone streams.
type Device interface {
	Open(ctx context.Context, sampleRate int) (Stream, error)
}

// Stream is a live microphone handle. Read blocks until samples are
// available and fails once the stream is closed.
type Stream interface {
	Read(buf []float32) (int, error)
	Close() error
}

var ErrStreamClosed = errors.New("capture stream closed")

// Signal yields the sample value at offset t into a mock recording.
type Signal func(t time.Duration) float32

// SpeechThenSilence is a mock signal with a loud tone for speech followed
// by digital silence.
func SpeechThenSilence(speech time.Duration) Signal {
	return func(t time.Duration) float32 {
		if t >= speech {
			return 0
		}
		return float32(0.3 * math.Sin(2*math.Pi*220*t.Seconds()))
	}
}

// MockDevice produces a synthetic signal paced at real time. It is used for
// AUDIO_DEVICE=mock and in tests.
type MockDevice struct {
	Signal    Signal
	FrameSize int
	// Unpaced delivers frames as fast as they are read.
	Unpaced bool
	// Err, when set, makes Open fail.
	Err error

	opens  atomic.Int32
	active atomic.Int32
}

func (d *MockDevice) Open(ctx context.Context, sampleRate int) (Stream, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame := d.FrameSize
	if frame <= 0 {
		frame = sampleRate / 50
	}
	sig := d.Signal
	if sig == nil {
		sig = SpeechThenSilence(time.Second)
	}
	d.opens.Add(1)
	d.active.Add(1)
	return &mockStream{
		dev:        d,
		signal:     sig,
		sampleRate: sampleRate,
		frame:      frame,
		paced:      !d.Unpaced,
		closed:     make(chan struct{}),
	}, nil
}

// Opens counts successful Open calls.
func (d *MockDevice) Opens() int { return int(d.opens.Load()) }

// Active counts streams opened and not yet closed.
func (d *MockDevice) Active() int { return int(d.active.Load()) }

type mockStream struct {
	dev        *MockDevice
	signal     Signal
	sampleRate int
	frame      int
	paced      bool

	mu        sync.Mutex
	pos       int
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *mockStream) Read(buf []float32) (int, error) {
	n := len(buf)
	if n > s.frame {
		n = s.frame
	}
	if s.paced {
		wait := time.Duration(n) * time.Second / time.Duration(s.sampleRate)
		t := time.NewTimer(wait)
		select {
		case <-s.closed:
			t.Stop()
			return 0, ErrStreamClosed
		case <-t.C:
		}
	}
	select {
	case <-s.closed:
		return 0, ErrStreamClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		at := time.Duration(s.pos+i) * time.Second / time.Duration(s.sampleRate)
		buf[i] = s.signal(at)
	}
	s.pos += n
	return n, nil
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.dev.active.Add(-1)
	})
	return nil
}
