// Package chat keeps the append-only message thread of a chatbot surface.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lexivoice/internal/audio"
	"github.com/ent0n29/lexivoice/internal/capture"
	"github.com/ent0n29/lexivoice/internal/gateway"
	"github.com/ent0n29/lexivoice/internal/history"
	"github.com/ent0n29/lexivoice/internal/logging"
	"github.com/ent0n29/lexivoice/internal/playback"
)

var (
	ErrStatusFinal     = errors.New("message status already final")
	ErrMessageNotFound = errors.New("message not found")
	ErrNoAudio         = errors.New("message has no audio")
	ErrEmptyMessage    = errors.New("message is empty")
)

const (
	FallbackReply = "Sorry, couldn't get a response."
	ErrorReply    = "Error contacting server."
)

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

type Status string

const (
	StatusNone    Status = ""
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Message struct {
	ID          string  `json:"id"`
	Sender      Sender  `json:"sender"`
	Kind        Kind    `json:"kind"`
	Content     string  `json:"content,omitempty"`
	AudioHandle string  `json:"audio_handle,omitempty"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Status      Status  `json:"status,omitempty"`
	// Playing mirrors the message's playback channel and changes only on
	// playback events.
	Playing   bool      `json:"playing"`
	CreatedAt time.Time `json:"created_at"`
}

// Asker is the backend call behind a submission.
type Asker interface {
	Ask(ctx context.Context, req gateway.AskRequest) (gateway.Reply, error)
}

// Player is the slice of the playback orchestrator a thread drives.
type Player interface {
	PlayHandle(ctx context.Context, channel, handle string, onComplete func()) bool
	Toggle(ctx context.Context, channel string) playback.State
	Bind(channel, handle string)
	Release(channel string)
	Subscribe(fn func(playback.Event)) func()
}

type Options struct {
	SurfaceID string
	Clips     *audio.ClipStore
	Store     history.Store
	// OnMessage observes every append and mutation.
	OnMessage func(Message)
}

type Thread struct {
	asker  Asker
	player Player
	opts   Options
	prefix string

	mu       sync.Mutex
	messages []*Message
	byID     map[string]*Message

	unsubscribe func()
}

func NewThread(asker Asker, player Player, opts Options) *Thread {
	if opts.Clips == nil {
		opts.Clips = audio.NewClipStore()
	}
	if opts.SurfaceID == "" {
		opts.SurfaceID = uuid.NewString()
	}
	t := &Thread{
		asker:  asker,
		player: player,
		opts:   opts,
		prefix: "msg:" + opts.SurfaceID + ":",
		byID:   make(map[string]*Message),
	}
	t.unsubscribe = player.Subscribe(t.onPlayback)
	return t
}

// ChannelFor is the playback channel that replays message id.
func (t *Thread) ChannelFor(id string) string { return t.prefix + id }

// SubmitAudio appends a user audio bubble for a finished recording and sends
// it to the assistant.
func (t *Thread) SubmitAudio(ctx context.Context, res capture.Result) (Message, error) {
	if len(res.Blob) == 0 {
		return Message{}, ErrEmptyMessage
	}
	handle := t.opts.Clips.Put(res.Blob)
	user := t.append(ctx, &Message{
		Sender:      SenderUser,
		Kind:        KindAudio,
		AudioHandle: handle,
		DurationSec: audio.RoundDuration(res.Duration).Seconds(),
		Status:      StatusSending,
	})
	reply, err := t.asker.Ask(ctx, gateway.AskRequest{Audio: res.Blob})
	return t.respond(ctx, user, reply, err)
}

// SubmitText sends typed text and an optional image.
func (t *Thread) SubmitText(ctx context.Context, text string, image []byte, imageName string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(image) == 0 {
		return Message{}, ErrEmptyMessage
	}
	user := t.append(ctx, &Message{
		Sender:  SenderUser,
		Kind:    KindText,
		Content: text,
		Status:  StatusSending,
	})
	reply, err := t.asker.Ask(ctx, gateway.AskRequest{Text: text, Image: image, ImageName: imageName})
	return t.respond(ctx, user, reply, err)
}

func (t *Thread) respond(ctx context.Context, user Message, reply gateway.Reply, askErr error) (Message, error) {
	if askErr != nil {
		logging.WarnwCtx(ctx, "chat submission failed", "surface_id", t.opts.SurfaceID, "message_id", user.ID, "error", askErr)
		if err := t.setStatus(ctx, user.ID, StatusFailed); err != nil {
			return Message{}, err
		}
		t.append(ctx, &Message{Sender: SenderBot, Kind: KindText, Content: ErrorReply})
		return t.mustGet(user.ID), askErr
	}
	if err := t.setStatus(ctx, user.ID, StatusSent); err != nil {
		return Message{}, err
	}

	content := strings.TrimSpace(reply.Response)
	if content == "" {
		content = FallbackReply
	}
	bot := &Message{Sender: SenderBot, Kind: KindText, Content: content}
	if name := strings.TrimSpace(reply.AudioFilename); name != "" {
		bot.Kind = KindAudio
		bot.AudioHandle = name
	}
	appended := t.append(ctx, bot)
	if appended.AudioHandle != "" {
		// Autoplay failures leave the bubble replayable.
		t.player.PlayHandle(ctx, t.ChannelFor(appended.ID), appended.AudioHandle, nil)
	}
	return t.mustGet(user.ID), nil
}

// Toggle plays or pauses a message's audio on its own channel.
func (t *Thread) Toggle(ctx context.Context, id string) (playback.State, error) {
	msg, ok := t.Get(id)
	if !ok {
		return playback.StateIdle, ErrMessageNotFound
	}
	if msg.AudioHandle == "" {
		return playback.StateIdle, ErrNoAudio
	}
	return t.player.Toggle(ctx, t.ChannelFor(id)), nil
}

func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
	}
	return out
}

func (t *Thread) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Close releases every message channel.
func (t *Thread) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.mu.Lock()
	withAudio := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		if m.AudioHandle != "" {
			withAudio = append(withAudio, *m)
		}
	}
	t.mu.Unlock()
	for _, m := range withAudio {
		t.player.Release(t.ChannelFor(m.ID))
		if audio.IsClipHandle(m.AudioHandle) {
			t.opts.Clips.Delete(m.AudioHandle)
		}
	}
}

func (t *Thread) append(ctx context.Context, m *Message) Message {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()

	t.mu.Lock()
	t.messages = append(t.messages, m)
	t.byID[m.ID] = m
	snapshot := *m
	t.mu.Unlock()

	if snapshot.AudioHandle != "" {
		t.player.Bind(t.ChannelFor(snapshot.ID), snapshot.AudioHandle)
	}
	if t.opts.Store != nil {
		err := t.opts.Store.SaveMessage(ctx, history.MessageRecord{
			ID:          snapshot.ID,
			SurfaceID:   t.opts.SurfaceID,
			Sender:      string(snapshot.Sender),
			Kind:        string(snapshot.Kind),
			Content:     snapshot.Content,
			AudioHandle: snapshot.AudioHandle,
			Status:      string(snapshot.Status),
			CreatedAt:   snapshot.CreatedAt,
		})
		if err != nil {
			logging.WarnwCtx(ctx, "persist chat message failed", "message_id", snapshot.ID, "error", err)
		}
	}
	t.notify(snapshot)
	return snapshot
}

// setStatus moves a message out of Sending exactly once.
func (t *Thread) setStatus(ctx context.Context, id string, status Status) error {
	t.mu.Lock()
	m, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return ErrMessageNotFound
	}
	if m.Status != StatusSending {
		t.mu.Unlock()
		return ErrStatusFinal
	}
	m.Status = status
	snapshot := *m
	t.mu.Unlock()

	if t.opts.Store != nil {
		if err := t.opts.Store.UpdateMessageStatus(ctx, id, string(status)); err != nil {
			logging.WarnwCtx(ctx, "persist chat status failed", "message_id", id, "error", err)
		}
	}
	t.notify(snapshot)
	return nil
}

func (t *Thread) onPlayback(ev playback.Event) {
	id, ok := strings.CutPrefix(ev.Channel, t.prefix)
	if !ok {
		return
	}
	playing := ev.State == playback.StatePlaying

	t.mu.Lock()
	m, ok := t.byID[id]
	if !ok || m.Playing == playing {
		t.mu.Unlock()
		return
	}
	m.Playing = playing
	snapshot := *m
	t.mu.Unlock()
	t.notify(snapshot)
}

func (t *Thread) notify(m Message) {
	if t.opts.OnMessage != nil {
		t.opts.OnMessage(m)
	}
}

func (t *Thread) mustGet(id string) Message {
	m, _ := t.Get(id)
	return m
}
