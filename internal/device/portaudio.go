// Package device binds the capture and playback abstractions to the host
// sound card through PortAudio.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/logging"
)

var (
	initMu   sync.Mutex
	initRefs int
)

// Initialize brings up PortAudio. Every successful call must be paired with
// a call to the returned release func.
func Initialize() (func(), error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize portaudio: %w", err)
		}
	}
	initRefs++

	var once sync.Once
	return func() {
		once.Do(func() {
			initMu.Lock()
			defer initMu.Unlock()
			initRefs--
			if initRefs == 0 {
				if err := portaudio.Terminate(); err != nil {
					logging.Warnw("portaudio terminate failed", "error", err)
				}
			}
		})
	}, nil
}

// Microphone opens the default input device, one mono stream per capture
// session.
type Microphone struct{}

func (Microphone) Open(ctx context.Context, sampleRate int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := sampleRate / 50
	if frames <= 0 {
		frames = 320
	}
	buf := make([]float32, frames)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frames, buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	logging.Debugw("microphone stream opened", "sample_rate", sampleRate, "frames", frames)
	return &micStream{stream: stream, buf: buf}, nil
}

type micStream struct {
	stream *portaudio.Stream
	buf    []float32
	// pending is the unread tail of buf after a short caller read.
	pending []float32

	readMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func (s *micStream) Read(dst []float32) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed.Load() {
		return 0, capture.ErrStreamClosed
	}
	if len(s.pending) == 0 {
		err := s.stream.Read()
		if s.closed.Load() {
			return 0, capture.ErrStreamClosed
		}
		if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, fmt.Errorf("read input stream: %w", err)
		}
		s.pending = s.buf
	}
	n := copy(dst, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close aborts a Read blocked in the driver before closing the stream.
func (s *micStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if aerr := s.stream.Abort(); aerr != nil {
			logging.Debugw("abort input stream", "error", aerr)
		}
		s.readMu.Lock()
		defer s.readMu.Unlock()
		err = s.stream.Close()
	})
	return err
}
