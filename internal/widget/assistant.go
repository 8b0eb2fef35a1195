// Package widget drives the floating "Lexi" assistant shown on every page.
package widget

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/lexivoice/internal/conversation"
	"github.com/ent0n29/lexivoice/internal/gateway"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/recognition"
)

// Chatter sends one page-scoped chat message.
type Chatter interface {
	Chat(ctx context.Context, message, page string) (gateway.Reply, error)
}

// Player is the slice of the playback orchestrator the widget uses.
type Player interface {
	Speak(ctx context.Context, channel, text string) bool
	PlayHandle(ctx context.Context, channel, handle string, onComplete func()) bool
	Release(channel string)
}

type Options struct {
	Page    string
	Channel string
	Prompts conversation.Prompts
	// OnListening observes the microphone indicator.
	OnListening func(bool)
}

// Activation describes what one click on the widget did.
type Activation struct {
	Greeted    bool   `json:"greeted"`
	Transcript string `json:"transcript,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Played     bool   `json:"played"`
}

// Assistant greets on the first activation and afterwards runs one
// single-shot listen and chat exchange per activation.
type Assistant struct {
	session *recognition.Session
	chat    Chatter
	player  Player
	opts    Options

	mu        sync.Mutex
	greeted   bool
	listening bool
}

func NewAssistant(session *recognition.Session, chat Chatter, player Player, opts Options) *Assistant {
	if opts.Channel == "" {
		opts.Channel = "widget"
	}
	opts.Prompts = conversation.DefaultPrompts().Merge(opts.Prompts)
	return &Assistant{session: session, chat: chat, player: player, opts: opts}
}

func (a *Assistant) Activate(ctx context.Context) (Activation, error) {
	a.mu.Lock()
	first := !a.greeted
	a.greeted = true
	a.mu.Unlock()

	if first {
		a.player.Speak(ctx, a.opts.Channel, a.opts.Prompts.GreetingFor(a.opts.Page))
		return Activation{Greeted: true}, nil
	}

	entered := false
	transcript, err := a.session.ListenWith(ctx, func() {
		entered = true
		a.setListening(true)
	})
	if entered {
		a.setListening(false)
	}
	if err != nil {
		return Activation{}, err
	}
	if transcript == "" {
		return Activation{}, nil
	}

	started := time.Now()
	reply, err := a.chat.Chat(ctx, transcript, a.opts.Page)
	if err != nil {
		logging.WarnwCtx(ctx, "widget chat failed", "page", a.opts.Page, "error", err)
		return Activation{Transcript: transcript}, err
	}
	act := Activation{Transcript: transcript, Reply: reply.Response}
	if name := strings.TrimSpace(reply.AudioFilename); name != "" {
		act.Played = a.player.PlayHandle(ctx, a.opts.Channel, name, nil)
	}
	logging.DebugwCtx(ctx, "widget exchange finished", "page", a.opts.Page, "played", act.Played, "elapsed_ms", time.Since(started).Milliseconds())
	return act, nil
}

// Listening reports whether the widget is waiting for speech.
func (a *Assistant) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Close aborts a pending listen and releases the widget channel.
func (a *Assistant) Close() {
	a.session.Abort()
	a.player.Release(a.opts.Channel)
}

func (a *Assistant) setListening(v bool) {
	a.mu.Lock()
	changed := a.listening != v
	a.listening = v
	a.mu.Unlock()
	if changed && a.opts.OnListening != nil {
		a.opts.OnListening(v)
	}
}
