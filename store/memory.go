package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

type inMemory struct {
	mu         sync.RWMutex
	maxEntries int
	sessions   map[string]*SessionInfo
}

// NewMemoryStore returns a store that keeps up to maxEntries per session
// in memory, zero for DefaultMaxEntries.
func NewMemoryStore(maxEntries int) TranscriptStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &inMemory{
		maxEntries: maxEntries,
		sessions:   map[string]*SessionInfo{},
	}
}

func (m *inMemory) Entries(ctx context.Context) []Entry {
	id, err := sessionID(ctx)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.sessions[id]; s != nil {
		return slices.Clone(s.Entries)
	}
	return nil
}

// get returns the session, created on first use
func (m *inMemory) get(id string) *SessionInfo {
	s := m.sessions[id]
	if s == nil {
		now := time.Now().UTC()
		s = &SessionInfo{
			SessionID: id,
			Title:     "New Session",
			CreatedAt: now,
			UpdatedAt: now,
			Metadata:  map[string]any{},
		}
		m.sessions[id] = s
	}
	return s
}

func (m *inMemory) Add(ctx context.Context, e *Entry) error {
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(id)
	s.Entries = append(s.Entries, *e)
	if n := len(s.Entries); n > m.maxEntries {
		s.Entries = slices.Clone(s.Entries[n-m.maxEntries:])
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *inMemory) Reset(ctx context.Context) error {
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *inMemory) UpdateSession(ctx context.Context, title string, metadata map[string]any) error {
	id, err := sessionID(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.get(id)
	if title != "" {
		s.Title = title
	}
	maps.Copy(s.Metadata, metadata)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *inMemory) GetSessionInfo(ctx context.Context, id string) (*SessionInfo, error) {
	if id == "" {
		var err error
		if id, err = sessionID(ctx); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *m.get(id)
	s.Metadata = maps.Clone(s.Metadata)
	s.Entries = slices.Clone(s.Entries)
	return &s, nil
}

func (m *inMemory) ListSessions(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.sessions)), nil
}

func (m *inMemory) Cleanup(_ context.Context, olderThan time.Duration) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := uint32(0)
	cutoff := time.Now().Add(-olderThan)
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}
