package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	status    Status
	result    json.RawMessage
	expiresAt time.Time
}

// MemoryGuard keeps keys in process memory. Used with the memory store.
type MemoryGuard struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*memoryEntry
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard remembers finished keys for ttl.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

func (g *MemoryGuard) claim(key string) (*ProcessResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.entries[key]; ok && now.Before(e.expiresAt) {
		switch e.status {
		case StatusFinished:
			return &ProcessResult{Replayed: true, Result: e.result}, nil
		case StatusStarted:
			return nil, ErrInProgress
		}
	}
	g.entries[key] = &memoryEntry{status: StatusStarted, expiresAt: now.Add(g.ttl)}
	return nil, nil
}

// Process implements Guard.
func (g *MemoryGuard) Process(ctx context.Context, key, _ string, _ json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	if res, err := g.claim(key); res != nil || err != nil {
		return res, err
	}

	result, err := fn(ctx)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		delete(g.entries, key)
		return nil, err
	}
	g.entries[key] = &memoryEntry{status: StatusFinished, result: result, expiresAt: g.now().Add(g.ttl)}
	return &ProcessResult{Result: result}, nil
}
