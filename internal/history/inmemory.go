package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in process for local use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]MessageRecord
	byID     map[string]messageRef
	turns    map[string][]TurnRecord
}

type messageRef struct {
	surfaceID string
	index     int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]MessageRecord),
		byID:     make(map[string]messageRef),
		turns:    make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, record MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.byID[record.ID] = messageRef{surfaceID: record.SurfaceID, index: len(s.messages[record.SurfaceID])}
	s.messages[record.SurfaceID] = append(s.messages[record.SurfaceID], record)
	return nil
}

func (s *InMemoryStore) UpdateMessageStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	s.messages[ref.surfaceID][ref.index].Status = status
	return nil
}

func (s *InMemoryStore) RecentMessages(_ context.Context, surfaceID string, limit int) ([]MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.messages[surfaceID], limit), nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.turns[record.SurfaceID] = append(s.turns[record.SurfaceID], record)
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, surfaceID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.turns[surfaceID], limit), nil
}

func (s *InMemoryStore) Close() error { return nil }

// tail copies the last limit items in chronological order.
func tail[T any](arr []T, limit int) []T {
	if len(arr) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]T, limit)
	copy(out, arr[len(arr)-limit:])
	return out
}
