package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/observability"
)

var (
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrSessionBusy       = errors.New("capture session already recording")
	// ErrDeviceLost is set on the Result of a recording whose stream failed
	// while Recording. Such results are never submitted.
	ErrDeviceLost = errors.New("microphone lost while recording")
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	default:
		return "idle"
	}
}

// Result is the finished recording of one session.
type Result struct {
	SessionID string
	// Owner is the tag passed to StartFor.
	Owner    string
	Blob     []byte
	Duration time.Duration
	// Manual is true when the user stopped the recording; such results are
	// held for review instead of being submitted.
	Manual    bool
	StartedAt time.Time
	StoppedAt time.Time
	Err       error
}

type Options struct {
	SampleRate    int
	Silence       SilenceConfig
	OnStateChange func(sessionID, owner string, state State)
	OnFinalized   func(Result)
	Metrics       *observability.Metrics
}

// Recorder hands out capture sessions and keeps at most one of them
// Recording at a time.
type Recorder struct {
	device Device
	opts   Options

	mu       sync.Mutex
	starting bool
	active   *Session
}

func NewRecorder(device Device, opts Options) (*Recorder, error) {
	if device == nil {
		return nil, fmt.Errorf("capture device is required")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Silence == (SilenceConfig{}) {
		opts.Silence = DefaultSilenceConfig()
	}
	if err := opts.Silence.Validate(); err != nil {
		return nil, err
	}
	return &Recorder{device: device, opts: opts}, nil
}

// Start acquires the microphone and begins recording. It fails with
// ErrSessionBusy while another session is Recording or being started, and
// with ErrDeviceUnavailable when the device cannot be opened.
func (r *Recorder) Start(ctx context.Context) (*Session, error) {
	return r.StartFor(ctx, "")
}

// StartFor is Start with an owner tag that is handed to every hook of the
// session, including the first Recording notification.
func (r *Recorder) StartFor(ctx context.Context, owner string) (*Session, error) {
	r.mu.Lock()
	if r.starting || (r.active != nil && r.active.State() == StateRecording) {
		r.mu.Unlock()
		return nil, ErrSessionBusy
	}
	r.starting = true
	r.mu.Unlock()

	stream, err := r.device.Open(ctx, r.opts.SampleRate)
	if err != nil {
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		r.opts.Metrics.CaptureFinished("device_unavailable")
		logging.WarnwCtx(ctx, "microphone open failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := newSession(r, stream, owner)

	r.mu.Lock()
	r.starting = false
	r.active = s
	r.mu.Unlock()

	s.begin()
	return s, nil
}

// Stop stops the active Recording session. It reports false when nothing
// was recording.
func (r *Recorder) Stop(manual bool) bool {
	s := r.Active()
	if s == nil {
		return false
	}
	return s.Stop(manual)
}

// Active returns the most recent session that has not returned to Idle.
func (r *Recorder) Active() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Recorder) State() State {
	s := r.Active()
	if s == nil {
		return StateIdle
	}
	return s.State()
}

// Close stops any recording as a manual stop and releases the device.
func (r *Recorder) Close() error {
	r.Stop(true)
	return nil
}

func (r *Recorder) release(s *Session) {
	r.mu.Lock()
	if r.active == s {
		r.active = nil
	}
	r.mu.Unlock()
}

// Session is one microphone recording. The device stream is owned by the
// session while Recording; the encoded chunks are owned by the encoder
// goroutine and outlive the stream.
type Session struct {
	id        string
	owner     string
	rec       *Recorder
	stream    Stream
	detector  *SilenceDetector
	startedAt time.Time
	frames    chan []float32
	energy    atomic.Uint64
	done      chan struct{}

	mu        sync.Mutex
	state     State
	manual    bool
	autoStop  bool
	lost      error
	stoppedAt time.Time
	released  bool
	result    Result
}

func newSession(r *Recorder, stream Stream, owner string) *Session {
	s := &Session{
		id:        uuid.NewString(),
		owner:     owner,
		rec:       r,
		stream:    stream,
		startedAt: time.Now(),
		frames:    make(chan []float32, 64),
		done:      make(chan struct{}),
		state:     StateRecording,
	}
	s.detector = NewSilenceDetector(r.opts.Silence, s.currentEnergy)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Owner() string        { return s.owner }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AutoStopRequested reports whether the silence detector ended the recording.
func (s *Session) AutoStopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoStop
}

func (s *Session) begin() {
	s.rec.opts.Metrics.RecordingActive(true)
	logging.Debugw("capture recording", "session_id", s.id)
	s.notify(StateRecording)

	go s.pump()
	go s.encode()
	s.detector.Start(func() {
		if s.stop(false, true, nil) {
			s.rec.opts.Metrics.AutoStopped()
			logging.Debugw("capture auto-stopped on silence", "session_id", s.id)
		}
	})
}

// Stop moves Recording to Finalizing and releases the microphone before
// returning. manual distinguishes a user stop (result held for review) from
// an automatic one. Calls after the first are no-ops and return false.
func (s *Session) Stop(manual bool) bool {
	return s.stop(manual, false, nil)
}

// stop ends Recording. lost is the stream error when the device failed.
func (s *Session) stop(manual, auto bool, lost error) bool {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return false
	}
	s.state = StateFinalizing
	s.manual = manual
	s.autoStop = auto
	s.lost = lost
	s.stoppedAt = time.Now()
	s.mu.Unlock()

	s.detector.Stop()
	logging.Debugw("capture finalizing", "session_id", s.id, "manual", manual)
	// Finalizing must be announced before the encoder can observe the
	// closed stream and move on to Idle.
	s.notify(StateFinalizing)
	s.releaseDevice()
	s.rec.opts.Metrics.RecordingActive(false)
	return true
}

func (s *Session) releaseDevice() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if err := s.stream.Close(); err != nil {
		logging.Warnw("capture stream close failed", "session_id", s.id, "error", err)
	}
}

// Wait blocks until the session is finalized or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.result, s.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Done is closed once the session is back to Idle.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) currentEnergy() (float64, error) {
	s.mu.Lock()
	recording := s.state == StateRecording
	s.mu.Unlock()
	if !recording {
		return 0, ErrStreamClosed
	}
	return math.Float64frombits(s.energy.Load()), nil
}

func (s *Session) pump() {
	defer close(s.frames)

	frameSize := s.rec.opts.SampleRate / 50
	if frameSize <= 0 {
		frameSize = 320
	}
	buf := make([]float32, frameSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			frame := append([]float32(nil), buf[:n]...)
			s.energy.Store(math.Float64bits(audio.RMS(frame)))
			s.frames <- frame
		}
		if err != nil {
			if s.State() == StateRecording {
				logging.Warnw("capture stream lost while recording", "session_id", s.id, "error", err)
				s.stop(false, false, err)
			}
			return
		}
	}
}

func (s *Session) encode() {
	var chunks [][]byte
	total := 0
	for frame := range s.frames {
		chunk := audio.Float32ToPCM16LE(frame)
		chunks = append(chunks, chunk)
		total += len(chunk)
	}

	pcm := make([]byte, 0, total)
	for _, c := range chunks {
		pcm = append(pcm, c...)
	}

	res := Result{SessionID: s.id, Owner: s.owner, StartedAt: s.startedAt}
	blob, err := audio.EncodeWAVPCM16LE(pcm, s.rec.opts.SampleRate)
	if err == nil {
		res.Blob = blob
		res.Duration, err = audio.WAVDuration(blob)
	}

	s.mu.Lock()
	lost := s.lost
	if lost != nil {
		err = fmt.Errorf("%w: %v", ErrDeviceLost, lost)
	}
	res.Err = err
	res.Manual = s.manual
	res.StoppedAt = s.stoppedAt
	s.result = res
	s.state = StateIdle
	s.mu.Unlock()

	s.rec.release(s)
	close(s.done)

	outcome := "auto"
	switch {
	case lost != nil:
		outcome = "device_lost"
	case err != nil:
		outcome = "encode_error"
		logging.Errorw("capture encode failed", "session_id", s.id, "error", err)
	case res.Manual:
		outcome = "manual"
	}
	s.rec.opts.Metrics.CaptureFinished(outcome)
	logging.Debugw("capture finalized", "session_id", s.id, "duration", res.Duration, "manual", res.Manual)

	s.notify(StateIdle)
	if cb := s.rec.opts.OnFinalized; cb != nil {
		cb(res)
	}
}

func (s *Session) notify(state State) {
	if cb := s.rec.opts.OnStateChange; cb != nil {
		cb(s.id, s.owner, state)
	}
}
