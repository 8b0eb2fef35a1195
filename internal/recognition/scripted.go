package recognition

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted listen cycle.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

// ScriptedRecognizer replays a fixed list of cycles. It backs mock mode and
// tests; once the script runs out every cycle ends with ErrNoResult.
type ScriptedRecognizer struct {
	mu          sync.Mutex
	steps       []Step
	calls       int
	inFlight    int
	maxInFlight int
}

func NewScriptedRecognizer(steps ...Step) *ScriptedRecognizer {
	return &ScriptedRecognizer{steps: steps}
}

// Transcripts builds a script of successful cycles.
func Transcripts(texts ...string) []Step {
	out := make([]Step, len(texts))
	for i, t := range texts {
		out[i] = Step{Text: t}
	}
	return out
}

func (r *ScriptedRecognizer) Recognize(ctx context.Context) (string, error) {
	r.mu.Lock()
	r.calls++
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	step := Step{Err: ErrNoResult}
	if len(r.steps) > 0 {
		step = r.steps[0]
		r.steps = r.steps[1:]
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return step.Text, step.Err
}

// Push appends cycles to the script.
func (r *ScriptedRecognizer) Push(steps ...Step) {
	r.mu.Lock()
	r.steps = append(r.steps, steps...)
	r.mu.Unlock()
}

func (r *ScriptedRecognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// MaxInFlight is the highest number of concurrent Recognize calls seen.
func (r *ScriptedRecognizer) MaxInFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxInFlight
}
