// Package surface tracks the UI surfaces (chatbot page, widget, writing
// assistant) currently mounted against the daemon.
package surface

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lexivoice/internal/observability"
)

type Kind string

const (
	KindChatbot Kind = "chatbot"
	KindWidget  Kind = "widget"
	KindWriting Kind = "writing"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound    = errors.New("surface not found")
	ErrInvalidKind = errors.New("invalid surface kind")
)

// ParseKind accepts the kind names case-insensitively.
func ParseKind(v string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(v))); k {
	case KindChatbot, KindWidget, KindWriting:
		return k, nil
	default:
		return "", ErrInvalidKind
	}
}

type Surface struct {
	ID             string    `json:"surface_id"`
	Kind           Kind      `json:"kind"`
	Page           string    `json:"page,omitempty"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager owns surface lifetimes. Ended surfaces are removed; hooks run
// outside the lock so they may call back into the manager.
type Manager struct {
	mu                sync.RWMutex
	surfaces          map[string]*Surface
	inactivityTimeout time.Duration
	onEnd             []func(*Surface)
	metrics           *observability.Metrics
}

func NewManager(inactivityTimeout time.Duration, metrics *observability.Metrics) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		surfaces:          make(map[string]*Surface),
		inactivityTimeout: inactivityTimeout,
		metrics:           metrics,
	}
}

// OnEnd registers a hook called once for every surface that is unmounted,
// explicitly or by the janitor.
func (m *Manager) OnEnd(hook func(*Surface)) {
	if hook == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = append(m.onEnd, hook)
}

func (m *Manager) Create(kind Kind, page string) *Surface {
	now := time.Now().UTC()
	s := &Surface{
		ID:             uuid.NewString(),
		Kind:           kind,
		Page:           strings.TrimSpace(page),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.surfaces[s.ID] = s
	m.mu.Unlock()
	m.metrics.SurfaceMounted(1)
	return clone(s)
}

func (m *Manager) Get(id string) (*Surface, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.surfaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch records a heartbeat.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.surfaces[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(id string) (*Surface, error) {
	m.mu.Lock()
	s, ok := m.surfaces[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	ended := m.endLocked(s, time.Now().UTC())
	hooks := m.onEnd
	m.mu.Unlock()

	m.metrics.SurfaceMounted(-1)
	runHooks(hooks, ended)
	return ended, nil
}

// EndAll unmounts every surface. Used on shutdown.
func (m *Manager) EndAll() {
	now := time.Now().UTC()
	m.mu.Lock()
	var ended []*Surface
	for _, s := range m.surfaces {
		ended = append(ended, m.endLocked(s, now))
	}
	hooks := m.onEnd
	m.mu.Unlock()

	m.metrics.SurfaceMounted(-len(ended))
	for _, s := range ended {
		runHooks(hooks, s)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.surfaces)
}

// List returns the mounted surfaces, oldest first.
func (m *Manager) List() []*Surface {
	m.mu.RLock()
	out := make([]*Surface, 0, len(m.surfaces))
	for _, s := range m.surfaces {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Surface

	m.mu.Lock()
	for _, s := range m.surfaces {
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, m.endLocked(s, now))
	}
	hooks := m.onEnd
	m.mu.Unlock()

	if len(expired) > 0 {
		m.metrics.SurfaceMounted(-len(expired))
	}
	for _, s := range expired {
		runHooks(hooks, s)
	}
}

func (m *Manager) endLocked(s *Surface, now time.Time) *Surface {
	delete(m.surfaces, s.ID)
	s.Status = StatusEnded
	s.LastActivityAt = now
	return clone(s)
}

func runHooks(hooks []func(*Surface), s *Surface) {
	for _, hook := range hooks {
		hook(clone(s))
	}
}

func clone(s *Surface) *Surface {
	c := *s
	return &c
}
