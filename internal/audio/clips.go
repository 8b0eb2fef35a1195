package audio

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ClipPrefix marks handles that resolve to locally recorded clips rather
// than backend filenames.
const ClipPrefix = "clip:"

// ClipStore keeps finished recordings in memory so they can be replayed
// from their chat bubble.
type ClipStore struct {
	mu    sync.RWMutex
	clips map[string][]byte
}

func NewClipStore() *ClipStore {
	return &ClipStore{clips: make(map[string][]byte)}
}

// Put stores blob and returns its handle.
func (s *ClipStore) Put(blob []byte) string {
	handle := ClipPrefix + uuid.NewString()
	cp := append([]byte(nil), blob...)

	s.mu.Lock()
	s.clips[handle] = cp
	s.mu.Unlock()
	return handle
}

func (s *ClipStore) Get(handle string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.clips[handle]
	return blob, ok
}

func (s *ClipStore) Delete(handle string) {
	s.mu.Lock()
	delete(s.clips, handle)
	s.mu.Unlock()
}

func (s *ClipStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clips)
}

// IsClipHandle reports whether handle was issued by a ClipStore.
func IsClipHandle(handle string) bool {
	return strings.HasPrefix(handle, ClipPrefix)
}
