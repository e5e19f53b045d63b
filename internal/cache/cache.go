// Package cache memoizes backend completions keyed by conversation history.
package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"PromptLoom/internal/store"
)

// CachedResponse is a memoized completion.
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Key derives a cache key from the ordered turns of a conversation. Two
// conversations with the same history and prompt share a completion.
func Key(turns []store.Turn) string {
	h := sha256.New()
	for _, turn := range turns {
		h.Write([]byte(turn.Role))
		h.Write([]byte{0})
		h.Write([]byte(turn.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Cache is a process-local completion cache, safe for concurrent use.
type Cache struct {
	entries sync.Map
}

func New() *Cache {
	return &Cache{}
}

func (c *Cache) Get(key string) (string, bool) {
	val, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	return val.(CachedResponse).Response, true
}

func (c *Cache) Put(key, response string) {
	c.entries.Store(key, CachedResponse{
		Response:  response,
		Timestamp: time.Now(),
	})
}
