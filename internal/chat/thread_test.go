package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/gateway"
	"github.com/ent0n29/lexivoice/internal/history"
	"github.com/ent0n29/lexivoice/internal/playback"
)

type fakeAsker struct {
	mu    sync.Mutex
	reply gateway.Reply
	err   error
	reqs  []gateway.AskRequest
}

func (a *fakeAsker) Ask(_ context.Context, req gateway.AskRequest) (gateway.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqs = append(a.reqs, req)
	return a.reply, a.err
}

func (a *fakeAsker) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reqs)
}

type noSynth struct{}

func (noSynth) Synthesize(context.Context, string) (string, error) { return "", nil }

func newOrchestrator() *playback.Orchestrator {
	// Long tracks keep channels Playing until toggled.
	return playback.NewOrchestrator(noSynth{}, playback.NullPlayer{Duration: func(string) time.Duration { return time.Hour }}, playback.Options{})
}

func recording(t *testing.T, d time.Duration, manual bool) capture.Result {
	t.Helper()
	samples := make([]float32, int(math.Round(d.Seconds()*16000)))
	blob, err := audio.EncodeWAVPCM16LE(audio.Float32ToPCM16LE(samples), 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	dur, _ := audio.WAVDuration(blob)
	return capture.Result{SessionID: "s1", Blob: blob, Duration: dur, Manual: manual}
}

func TestSubmitAudioSuccess(t *testing.T) {
	asker := &fakeAsker{reply: gateway.Reply{Response: "Hello!", AudioFilename: "reply.mp3"}}
	orch := newOrchestrator()
	store := history.NewInMemoryStore()
	th := NewThread(asker, orch, Options{SurfaceID: "chat-1", Store: store})
	defer th.Close()

	user, err := th.SubmitAudio(context.Background(), recording(t, 2340*time.Millisecond, false))
	if err != nil {
		t.Fatalf("SubmitAudio() error = %v", err)
	}
	if user.Status != StatusSent || user.Kind != KindAudio || user.Sender != SenderUser {
		t.Fatalf("user message = %+v", user)
	}
	if user.DurationSec != 2.3 {
		t.Fatalf("DurationSec = %v, want 2.3", user.DurationSec)
	}
	if len(asker.reqs) != 1 || len(asker.reqs[0].Audio) == 0 {
		t.Fatalf("ask requests = %+v, want one with audio", asker.reqs)
	}

	msgs := th.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	bot := msgs[1]
	if bot.Sender != SenderBot || bot.Content != "Hello!" || bot.AudioHandle != "reply.mp3" {
		t.Fatalf("bot message = %+v", bot)
	}
	if !bot.Playing {
		t.Fatalf("bot Playing = false, want autoplay")
	}
	if orch.State(th.ChannelFor(bot.ID)) != playback.StatePlaying {
		t.Fatalf("bot channel state = %v, want playing", orch.State(th.ChannelFor(bot.ID)))
	}

	stored, _ := store.RecentMessages(context.Background(), "chat-1", 0)
	if len(stored) != 2 || stored[0].Status != string(StatusSent) {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestSubmitAudioFailure(t *testing.T) {
	asker := &fakeAsker{err: gateway.ErrNetwork}
	th := NewThread(asker, newOrchestrator(), Options{})

	user, err := th.SubmitAudio(context.Background(), recording(t, time.Second, false))
	if !errors.Is(err, gateway.ErrNetwork) {
		t.Fatalf("SubmitAudio() error = %v, want ErrNetwork", err)
	}
	if user.Status != StatusFailed {
		t.Fatalf("user status = %q, want failed", user.Status)
	}
	msgs := th.Messages()
	if len(msgs) != 2 || msgs[1].Content != ErrorReply {
		t.Fatalf("messages = %+v, want failed user plus error reply", msgs)
	}
	if err := th.setStatus(context.Background(), user.ID, StatusSent); !errors.Is(err, ErrStatusFinal) {
		t.Fatalf("setStatus() after final error = %v, want ErrStatusFinal", err)
	}
}

func TestSubmitTextFallbackReply(t *testing.T) {
	asker := &fakeAsker{}
	th := NewThread(asker, newOrchestrator(), Options{})

	if _, err := th.SubmitText(context.Background(), "  ", nil, ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("SubmitText(blank) error = %v, want ErrEmptyMessage", err)
	}
	if _, err := th.SubmitText(context.Background(), "what is dyslexia?", nil, ""); err != nil {
		t.Fatalf("SubmitText() error = %v", err)
	}
	msgs := th.Messages()
	if len(msgs) != 2 || msgs[1].Content != FallbackReply || msgs[1].Kind != KindText {
		t.Fatalf("messages = %+v, want fallback reply", msgs)
	}
}

func TestToggleFollowsPlaybackEvents(t *testing.T) {
	asker := &fakeAsker{reply: gateway.Reply{Response: "ok"}}
	orch := newOrchestrator()
	var mu sync.Mutex
	var seen []bool
	th := NewThread(asker, orch, Options{OnMessage: func(m Message) {
		if m.Kind == KindAudio && m.Sender == SenderUser {
			mu.Lock()
			seen = append(seen, m.Playing)
			mu.Unlock()
		}
	}})

	user, _ := th.SubmitAudio(context.Background(), recording(t, time.Second, false))
	if got := th.mustGet(user.ID); got.Playing {
		t.Fatalf("Playing before toggle = true")
	}

	if st, err := th.Toggle(context.Background(), user.ID); err != nil || st != playback.StatePlaying {
		t.Fatalf("Toggle() = %v, %v, want playing", st, err)
	}
	if !th.mustGet(user.ID).Playing {
		t.Fatalf("Playing after toggle = false")
	}
	if st, _ := th.Toggle(context.Background(), user.ID); st != playback.StatePaused {
		t.Fatalf("second Toggle() = %v, want paused", st)
	}
	if th.mustGet(user.ID).Playing {
		t.Fatalf("Playing after pause = true")
	}

	bot := th.Messages()[1]
	if _, err := th.Toggle(context.Background(), bot.ID); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("Toggle(text) error = %v, want ErrNoAudio", err)
	}
	if _, err := th.Toggle(context.Background(), "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("Toggle(missing) error = %v, want ErrMessageNotFound", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if n := len(seen); n < 2 || !seen[n-2] || seen[n-1] {
		t.Fatalf("playing updates = %v, want ... true, false", seen)
	}
}

func TestReviewHoldsManualStops(t *testing.T) {
	asker := &fakeAsker{reply: gateway.Reply{Response: "ok"}}
	th := NewThread(asker, newOrchestrator(), Options{})
	rv := NewReview(th)

	submitted, err := rv.Accept(context.Background(), recording(t, time.Second, true))
	if err != nil || submitted {
		t.Fatalf("Accept(manual) = %v, %v, want held", submitted, err)
	}
	if asker.calls() != 0 {
		t.Fatalf("ask calls = %d, want 0", asker.calls())
	}
	if _, ok := rv.Pending(); !ok {
		t.Fatalf("Pending() ok = false")
	}
	if _, err := rv.Send(context.Background()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if asker.calls() != 1 {
		t.Fatalf("ask calls = %d, want 1", asker.calls())
	}
	if _, err := rv.Send(context.Background()); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("second Send() error = %v, want ErrNothingPending", err)
	}

	submitted, err = rv.Accept(context.Background(), recording(t, time.Second, false))
	if err != nil || !submitted {
		t.Fatalf("Accept(auto) = %v, %v, want submitted", submitted, err)
	}
	if asker.calls() != 2 {
		t.Fatalf("ask calls = %d, want 2", asker.calls())
	}

	_, _ = rv.Accept(context.Background(), recording(t, time.Second, true))
	if !rv.Discard() {
		t.Fatalf("Discard() = false, want true")
	}
	if _, ok := rv.Pending(); ok {
		t.Fatalf("Pending() after discard ok = true")
	}
}

func TestReviewRejectsLostRecordings(t *testing.T) {
	asker := &fakeAsker{reply: gateway.Reply{Response: "ok"}}
	rv := NewReview(NewThread(asker, newOrchestrator(), Options{}))

	res := recording(t, 300*time.Millisecond, false)
	res.Err = fmt.Errorf("%w: unplugged", capture.ErrDeviceLost)
	submitted, err := rv.Accept(context.Background(), res)
	if submitted || !errors.Is(err, capture.ErrDeviceLost) {
		t.Fatalf("Accept(lost) = %v, %v, want not submitted with ErrDeviceLost", submitted, err)
	}
	if asker.calls() != 0 {
		t.Fatalf("ask calls = %d, want 0", asker.calls())
	}
	if _, ok := rv.Pending(); ok {
		t.Fatalf("Pending() ok = true for a lost recording")
	}
}
