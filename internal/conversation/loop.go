// Package conversation runs the spoken turn-taking loop that revises a
// working text by voice instruction.
package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/observability"
	"github.com/ent0n29/lexivoice/internal/recognition"
)

var ErrAlreadyRunning = errors.New("conversation loop already running")

type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeStopped: the user asked to stop.
	OutcomeStopped
	// OutcomeExhausted: too many consecutive empty or failed listens.
	OutcomeExhausted
	// OutcomeCancelled: Cancel was called or the hosting surface went away.
	OutcomeCancelled
	OutcomeUnsupported
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStopped:
		return "stopped"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeUnsupported:
		return "unsupported"
	default:
		return "none"
	}
}

// Speaker plays a prompt and waits for it to finish.
type Speaker interface {
	SpeakAndWait(ctx context.Context, channel, text string, ceiling time.Duration) bool
}

// Releaser drops a playback channel's resources.
type Releaser interface {
	Release(channel string)
}

// Reviser applies instructions to the working text and lists its spelling
// mistakes.
type Reviser interface {
	ApplyInstruction(ctx context.Context, instruction, working string) (string, error)
	CheckSpelling(ctx context.Context, text string) (string, error)
}

// Turn is one handled listen cycle.
type Turn struct {
	Index      int       `json:"index"`
	At         time.Time `json:"at"`
	Transcript string    `json:"transcript"`
	Intent     Intent    `json:"-"`
	IntentName string    `json:"intent"`
	Applied    bool      `json:"applied"`
	Failed     bool      `json:"failed"`
	Mistakes   string    `json:"mistakes,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Options struct {
	Channel    string
	Prompts    Prompts
	Classifier *Classifier
	// MaxMisses bounds consecutive empty or failed listens.
	MaxMisses int
	// SpeakCeiling caps how long a prompt may hold the turn.
	SpeakCeiling     time.Duration
	RelistenInterval time.Duration
	// SkipOpeningPrompt starts listening without speaking Prompts.Instruction.
	SkipOpeningPrompt bool
	OnTurn            func(Turn)
	Metrics           *observability.Metrics
}

// Loop owns the working text; every revision goes through it.
type Loop struct {
	session *recognition.Session
	speaker Speaker
	reviser Reviser
	opts    Options

	mu        sync.Mutex
	working   string
	turns     []Turn
	misses    int
	running   bool
	cancelled bool
	cancel    context.CancelFunc
	outcome   Outcome
}

func NewLoop(session *recognition.Session, speaker Speaker, reviser Reviser, working string, opts Options) *Loop {
	if opts.Channel == "" {
		opts.Channel = "conversation"
	}
	opts.Prompts = DefaultPrompts().Merge(opts.Prompts)
	if opts.Classifier == nil {
		opts.Classifier = defaultClassifier
	}
	if opts.MaxMisses <= 0 {
		opts.MaxMisses = 3
	}
	if opts.SpeakCeiling <= 0 {
		opts.SpeakCeiling = 30 * time.Second
	}
	return &Loop{
		session: session,
		speaker: speaker,
		reviser: reviser,
		opts:    opts,
		working: working,
	}
}

// Run speaks the opening prompt and handles listen cycles until the user
// stops, the miss budget runs out, or the loop is cancelled. A loop runs at
// most once.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	l.mu.Lock()
	if l.running || l.outcome != OutcomeNone {
		l.mu.Unlock()
		return OutcomeNone, ErrAlreadyRunning
	}
	if l.cancelled {
		l.outcome = OutcomeCancelled
		l.mu.Unlock()
		return OutcomeCancelled, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	outcome, err := l.run(runCtx)

	l.mu.Lock()
	if l.cancelled {
		outcome, err = OutcomeCancelled, nil
	}
	l.running = false
	l.outcome = outcome
	l.mu.Unlock()

	logging.InfowCtx(ctx, "conversation loop ended", "channel", l.opts.Channel, "outcome", outcome.String(), "turns", len(l.Turns()))
	return outcome, err
}

func (l *Loop) run(ctx context.Context) (Outcome, error) {
	if !l.session.Supported() {
		return OutcomeUnsupported, recognition.ErrUnsupported
	}
	if !l.opts.SkipOpeningPrompt {
		l.say(ctx, l.opts.Prompts.Instruction)
	}

	outcome := OutcomeNone
	sv := recognition.NewSupervisor(l.session, func(ctx context.Context, transcript string, err error) bool {
		next, done := l.handle(ctx, transcript, err)
		if done {
			outcome = next
		}
		return !done
	}, l.opts.RelistenInterval)

	err := sv.Run(ctx)
	switch {
	case err == nil:
		return outcome, nil
	case ctx.Err() != nil:
		return OutcomeCancelled, ctx.Err()
	default:
		return OutcomeNone, err
	}
}

// handle reacts to one listen cycle and reports whether the loop is done.
func (l *Loop) handle(ctx context.Context, transcript string, listenErr error) (Outcome, bool) {
	turn := Turn{At: time.Now().UTC(), Transcript: transcript}
	intent := IntentEmpty
	if listenErr == nil {
		intent = l.opts.Classifier.Classify(transcript)
	} else {
		turn.Error = listenErr.Error()
	}
	turn.Intent = intent
	turn.IntentName = intent.String()
	l.opts.Metrics.ConversationTurn(intent.String())

	switch intent {
	case IntentStop:
		l.resetMisses()
		l.record(turn)
		l.say(ctx, l.opts.Prompts.Closing)
		return OutcomeStopped, true

	case IntentInstruction:
		l.resetMisses()
		l.apply(ctx, transcript, &turn)
		l.record(turn)
		if ctx.Err() != nil {
			return OutcomeCancelled, true
		}
		l.say(ctx, l.opts.Prompts.FollowUp)
		return OutcomeNone, false

	default:
		l.record(turn)
		if l.miss() >= l.opts.MaxMisses {
			logging.InfowCtx(ctx, "conversation loop miss budget exhausted", "channel", l.opts.Channel, "max_misses", l.opts.MaxMisses)
			l.say(ctx, l.opts.Prompts.Closing)
			return OutcomeExhausted, true
		}
		reprompt := l.opts.Prompts.NotHeard
		if listenErr != nil && !errors.Is(listenErr, recognition.ErrNoResult) {
			reprompt = l.opts.Prompts.NotCaught
		}
		l.say(ctx, reprompt)
		return OutcomeNone, false
	}
}

// apply revises the working text once and reads the remaining spelling
// mistakes aloud.
func (l *Loop) apply(ctx context.Context, instruction string, turn *Turn) {
	base := l.WorkingText()
	if strings.TrimSpace(base) == "" {
		turn.Failed = true
		l.say(ctx, l.opts.Prompts.NoText)
		return
	}

	revised, err := l.reviser.ApplyInstruction(ctx, instruction, base)
	if err != nil {
		logging.WarnwCtx(ctx, "apply instruction failed", "channel", l.opts.Channel, "error", err)
		turn.Failed = true
		turn.Error = err.Error()
		if ctx.Err() == nil {
			l.say(ctx, l.opts.Prompts.ApplyFailed)
		}
		return
	}
	checked := base
	if strings.TrimSpace(revised) != "" {
		l.mu.Lock()
		l.working = revised
		l.mu.Unlock()
		turn.Applied = true
		checked = revised
	}

	mistakes, err := l.reviser.CheckSpelling(ctx, checked)
	if err != nil {
		logging.WarnwCtx(ctx, "spelling check failed", "channel", l.opts.Channel, "error", err)
		return
	}
	turn.Mistakes = mistakes
	if spoken := Speakable(mistakes); spoken != "" {
		l.say(ctx, spoken)
	}
}

func (l *Loop) say(ctx context.Context, text string) {
	if ctx.Err() != nil {
		return
	}
	if !l.speaker.SpeakAndWait(ctx, l.opts.Channel, text, l.opts.SpeakCeiling) {
		logging.DebugwCtx(ctx, "prompt did not complete", "channel", l.opts.Channel)
	}
}

func (l *Loop) record(turn Turn) {
	l.mu.Lock()
	turn.Index = len(l.turns)
	l.turns = append(l.turns, turn)
	l.mu.Unlock()
	if l.opts.OnTurn != nil {
		l.opts.OnTurn(turn)
	}
}

func (l *Loop) miss() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.misses++
	return l.misses
}

func (l *Loop) resetMisses() {
	l.mu.Lock()
	l.misses = 0
	l.mu.Unlock()
}

// Cancel ends the loop immediately and for good: the pending listen is
// aborted and any prompt in flight is released by the caller's channel.
func (l *Loop) Cancel() {
	l.mu.Lock()
	if l.cancelled {
		l.mu.Unlock()
		return
	}
	l.cancelled = true
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.session.Abort()
	if r, ok := l.speaker.(Releaser); ok {
		r.Release(l.opts.Channel)
	}
}

// WorkingText is the current authoritative draft.
func (l *Loop) WorkingText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.working
}

func (l *Loop) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Turn(nil), l.turns...)
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Outcome is OutcomeNone until Run returns.
func (l *Loop) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome
}

func (l *Loop) Channel() string { return l.opts.Channel }
