package database

import (
	"context"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps the journal in process, used when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]SessionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]SessionEvent)}
}

func (s *MemoryStore) Record(_ context.Context, evt *SessionEvent) error {
	if evt.ClientID == "" {
		return ErrClientIDEmpty
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *evt
	if stored.ID.IsZero() {
		stored.ID = primitive.NewObjectID()
	}
	stored.Topics = slices.Clone(evt.Topics)
	s.events[evt.ClientID] = append(s.events[evt.ClientID], stored)
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, clientID string, limit int64) ([]SessionEvent, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[clientID]
	n := int64(len(events))
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]SessionEvent, 0, n)
	for i := len(events) - 1; i >= 0 && int64(len(result)) < n; i-- {
		result = append(result, events[i])
	}
	return result, nil
}
