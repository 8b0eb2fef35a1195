package history

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("history record not found")

// MessageRecord is one chat bubble.
type MessageRecord struct {
	ID          string    `json:"id"`
	SurfaceID   string    `json:"surface_id"`
	Sender      string    `json:"sender"`
	Kind        string    `json:"kind"`
	Content     string    `json:"content"`
	AudioHandle string    `json:"audio_handle,omitempty"`
	Status      string    `json:"status,omitempty"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// TurnRecord is one handled listen cycle of a conversation loop.
type TurnRecord struct {
	ID          string    `json:"id"`
	SurfaceID   string    `json:"surface_id"`
	Channel     string    `json:"channel"`
	Index       int       `json:"index"`
	Transcript  string    `json:"transcript"`
	Intent      string    `json:"intent"`
	Applied     bool      `json:"applied"`
	Failed      bool      `json:"failed"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists chat messages and conversation turns per surface.
type Store interface {
	SaveMessage(ctx context.Context, record MessageRecord) error
	UpdateMessageStatus(ctx context.Context, id, status string) error
	RecentMessages(ctx context.Context, surfaceID string, limit int) ([]MessageRecord, error)
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, surfaceID string, limit int) ([]TurnRecord, error)
	Close() error
}
