package recognition

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/observability"
)

var (
	ErrUnsupported = errors.New("speech recognition unsupported")
	ErrBusy        = errors.New("speech recognition already listening")
	ErrRecognition = errors.New("speech recognition failed")
	// ErrNoResult is an explicit end of listening without any transcript.
	ErrNoResult = errors.New("speech recognition ended without result")
)

// Recognizer performs one listen cycle. An empty transcript with a nil error
// means speech ended without words.
type Recognizer interface {
	Recognize(ctx context.Context) (string, error)
}

type State int

const (
	StateIdle State = iota
	StateListening
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

type SessionOptions struct {
	OnStateChange func(State)
	Metrics       *observability.Metrics
}

// Session is a single-flight wrapper around a Recognizer.
type Session struct {
	rec  Recognizer
	opts SessionOptions

	mu     sync.Mutex
	state  State
	last   string
	cancel context.CancelFunc
}

// NewSession returns a session over rec. A nil rec yields a session whose
// Listen always fails with ErrUnsupported.
func NewSession(rec Recognizer, opts SessionOptions) *Session {
	return &Session{rec: rec, opts: opts}
}

// Supported reports whether a recognition capability is present.
func (s *Session) Supported() bool { return s.rec != nil }

// Listen runs one recognition cycle. A call while another is Listening fails
// with ErrBusy without touching the recognizer. Recognizer errors are
// wrapped in ErrRecognition.
func (s *Session) Listen(ctx context.Context) (string, error) {
	return s.ListenWith(ctx, nil)
}

// ListenWith is Listen that calls onListening once the session has entered
// Listening. It is not called when the listen is rejected.
func (s *Session) ListenWith(ctx context.Context, onListening func()) (string, error) {
	if s.rec == nil {
		return "", ErrUnsupported
	}

	s.mu.Lock()
	if s.state == StateListening {
		s.mu.Unlock()
		return "", ErrBusy
	}
	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.setStateLocked(StateListening)
	s.mu.Unlock()
	if onListening != nil {
		onListening()
	}

	text, err := s.rec.Recognize(cctx)
	cancel()
	text = strings.TrimSpace(text)

	s.mu.Lock()
	s.cancel = nil
	if err != nil {
		s.setStateLocked(StateFailed)
	} else {
		s.last = text
		s.setStateLocked(StateCompleted)
	}
	s.setStateLocked(StateIdle)
	s.mu.Unlock()

	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrNoResult) {
			outcome = "no_result"
		} else if errors.Is(err, context.Canceled) {
			outcome = "aborted"
		}
		s.opts.Metrics.RecognitionCycle(outcome)
		logging.DebugwCtx(ctx, "recognition failed", "error", err)
		if errors.Is(err, ErrRecognition) || errors.Is(err, ErrNoResult) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", errors.Join(ErrRecognition, err)
	}
	if text == "" {
		s.opts.Metrics.RecognitionCycle("empty")
	} else {
		s.opts.Metrics.RecognitionCycle("transcript")
	}
	return text, nil
}

// Abort cancels an in-flight Listen. It is a no-op when idle.
func (s *Session) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	if cb := s.opts.OnStateChange; cb != nil {
		cb(st)
	}
}
