package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"inbox-service/internal/config"
	registrystore "inbox-service/internal/registry/store"
)

type evictableStore struct {
	registrystore.ConversationStore
	mu      sync.Mutex
	pending []uuid.UUID
	deleted []uuid.UUID
	cutoffs []time.Time
}

func (s *evictableStore) FindEvictableConversationIDs(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	return append([]uuid.UUID(nil), s.pending[:limit]...), nil
}

func (s *evictableStore) DeleteConversations(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	s.pending = s.pending[len(ids):]
	return nil
}

func TestEvictionRunsInBatches(t *testing.T) {
	store := &evictableStore{}
	for i := 0; i < 5; i++ {
		store.pending = append(store.pending, uuid.New())
	}
	cfg := config.DefaultConfig()
	cfg.ConversationRetention = 24 * time.Hour
	cfg.EvictionBatchSize = 2
	cfg.EvictionBatchDelay = 0

	svc := NewEvictionService(store, nil, &cfg)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	assert.Equal(t, 5, svc.RunOnce(context.Background()))
	assert.Len(t, store.deleted, 5)
	require.NotEmpty(t, store.cutoffs)
	assert.Equal(t, now.Add(-24*time.Hour), store.cutoffs[0])
	assert.Len(t, store.cutoffs, 3)
}

func TestEvictionDisabled(t *testing.T) {
	store := &evictableStore{pending: []uuid.UUID{uuid.New()}}
	cfg := config.DefaultConfig()
	svc := NewEvictionService(store, nil, &cfg)

	assert.Equal(t, 0, svc.RunOnce(context.Background()))
	done := make(chan struct{})
	go func() {
		svc.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is disabled")
	}
	assert.Empty(t, store.deleted)
}
