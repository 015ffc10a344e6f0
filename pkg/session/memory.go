package session

import (
	"context"
	"sync"
)

// MemoryStore is a mutex-guarded map of sessions. Callers always receive
// copies.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]*Session)}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID, chatID int64, url string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[userID]; ok {
		return existing.clone(), true, nil
	}
	s := newSession(userID, chatID, url)
	m.sessions[userID] = s
	return s.clone(), false, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID int64) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[userID]
	return s.clone(), ok, nil
}

func (m *MemoryStore) Advance(ctx context.Context, userID int64, mutate func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	next := current.clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.sessions[userID] = next
	return next.clone(), nil
}

func (m *MemoryStore) Clear(ctx context.Context, userID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		releaseThumbnail(s.ThumbnailPath)
	}
	return nil
}

// Len reports the number of active sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
