package session

import (
	"context"
	"sync"
	"time"
)

// Store is the ephemeral backing for MFA flow state. Get returns nil with a
// nil error when no flow exists (or it expired).
type Store interface {
	Get(ctx context.Context, key string) (*FlowState, error)
	Set(ctx context.Context, key string, flow *FlowState, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type memoryEntry struct {
	flow      FlowState
	expiresAt time.Time
}

// MemoryStore is the single-process default. Multi-worker deployments should
// use RedisStore so a flow started on one worker can finish on another.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	flow := entry.flow
	return &flow, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, flow *FlowState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{flow: *flow, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
