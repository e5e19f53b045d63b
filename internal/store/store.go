// Package store persists conversations as append-only sequences of turns.
package store

import (
	"context"
	"errors"
	"time"
)

const (
	RolePrompt   = "prompt"
	RoleResponse = "response"
)

var (
	// ErrNotFound is returned by Get when no conversation exists for the id.
	ErrNotFound = errors.New("conversation not found")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// Turn is a single recorded prompt or response entry. Turns are immutable
// once appended.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is an ordered, append-only sequence of turns. The position of
// a turn reflects strict append order.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Turns     []Turn    `json:"turns"`
}

// Store is the conversation persistence boundary. Append creates the
// conversation on first use and guarantees the turn is durably recorded
// before returning. Concurrent appends to the same conversation id are
// serialized at the storage level.
type Store interface {
	Append(ctx context.Context, conversationID string, turn Turn) (*Conversation, error)
	Get(ctx context.Context, conversationID string) (*Conversation, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}
