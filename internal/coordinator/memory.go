package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Coordinator for tests and dev mode. It
// honors the same monotonicity and fence semantics as the redis
// implementation.
type Memory struct {
	mu           sync.Mutex
	index        map[string]int
	startedAt    map[string]time.Time
	tokens       map[string]int64
	joins        map[string]int64
	joinCap      int64
	webhooks     map[string]bool
	participants map[string]map[string]bool

	// Down simulates an outage: every call returns ErrUnavailable.
	Down bool
}

// NewMemory returns an empty in-memory coordinator.
func NewMemory() *Memory {
	return &Memory{
		index:        make(map[string]int),
		startedAt:    make(map[string]time.Time),
		tokens:       make(map[string]int64),
		joins:        make(map[string]int64),
		joinCap:      joinSlotCap,
		webhooks:     make(map[string]bool),
		participants: make(map[string]map[string]bool),
	}
}

// SetJoinCap overrides the admission cap for tests.
func (m *Memory) SetJoinCap(cap int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joinCap = cap
}

func (m *Memory) check() error {
	if m.Down {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Advance(ctx context.Context, date string, index int, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if cur, ok := m.index[date]; ok && cur >= index {
		return nil
	}
	m.index[date] = index
	m.startedAt[date] = startedAt
	return nil
}

func (m *Memory) CurrentIndex(ctx context.Context, date string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return -1, err
	}
	if idx, ok := m.index[date]; ok {
		return idx, nil
	}
	return -1, nil
}

func (m *Memory) QuestionStartedAt(ctx context.Context, date string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return time.Time{}, err
	}
	return m.startedAt[date], nil
}

func (m *Memory) AcquireFinalizeToken(ctx context.Context, date string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.tokens[date]++
	return m.tokens[date], nil
}

func (m *Memory) AcquireJoinSlot(ctx context.Context, date string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	if m.joins[date] >= m.joinCap {
		return false, nil
	}
	m.joins[date]++
	return true, nil
}

func (m *Memory) ReleaseJoinSlot(ctx context.Context, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.joins[date] > 0 {
		m.joins[date]--
	}
	return nil
}

func (m *Memory) SeenWebhookEvent(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	seen := m.webhooks[eventID]
	m.webhooks[eventID] = true
	return seen, nil
}

func (m *Memory) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.webhooks, eventID)
	return nil
}

func (m *Memory) AddParticipant(ctx context.Context, date, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.participants[date] == nil {
		m.participants[date] = make(map[string]bool)
	}
	m.participants[date][userID] = true
	return nil
}

func (m *Memory) Participants(ctx context.Context, date string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m.participants[date]))
	for id := range m.participants[date] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }
