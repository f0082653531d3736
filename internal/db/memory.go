package db

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps actions in process. It backs the "memory" driver and
// tests that need a Store without a database file.
type MemoryStore struct {
	mu      sync.RWMutex
	rooms   map[string][]Action
	closed  bool
	inserts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]Action)}
}

func (m *MemoryStore) InsertActions(ctx context.Context, actions []Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, a := range actions {
		existing := m.rooms[a.RoomID]
		if slices.ContainsFunc(existing, func(e Action) bool { return e.ID == a.ID }) {
			continue
		}
		m.rooms[a.RoomID] = append(existing, a)
	}
	m.inserts++
	return nil
}

func (m *MemoryStore) DeleteActions(ctx context.Context, roomID string, ids []string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	before := len(m.rooms[roomID])
	kept := slices.DeleteFunc(m.rooms[roomID], func(a Action) bool {
		return slices.Contains(ids, a.ID)
	})
	if len(kept) == 0 {
		delete(m.rooms, roomID)
	} else {
		m.rooms[roomID] = kept
	}
	return int64(before - len(kept)), nil
}

func (m *MemoryStore) ListActions(ctx context.Context, roomID string, limit int) ([]Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	actions := slices.Clone(m.rooms[roomID])
	if limit > 0 && len(actions) > limit {
		actions = actions[:limit]
	}
	return actions, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{RoomCount: len(m.rooms)}
	for _, actions := range m.rooms {
		s.ActionCount += len(actions)
	}
	return s, nil
}

// InsertCalls reports how many batches were accepted.
func (m *MemoryStore) InsertCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inserts
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
