package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs tests and the ephemeral
// (-db "") mode; it offers the same serialization guarantees as the
// SQLite store but no durability.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{conversations: map[string]*Conversation{}}
}

func (m *MemStore) Append(ctx context.Context, conversationID string, turn Turn) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID, CreatedAt: time.Now().UTC()}
		m.conversations[conversationID] = conv
	}
	conv.Turns = append(conv.Turns, turn)

	return snapshot(conv), nil
}

func (m *MemStore) Get(ctx context.Context, conversationID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, conversationID)
	}
	return snapshot(conv), nil
}

func (m *MemStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemStore) Close() error {
	return nil
}

// snapshot copies the conversation so callers never observe later appends
// through a shared slice.
func snapshot(conv *Conversation) *Conversation {
	out := &Conversation{
		ID:        conv.ID,
		CreatedAt: conv.CreatedAt,
		Turns:     make([]Turn, len(conv.Turns)),
	}
	copy(out.Turns, conv.Turns)
	return out
}
