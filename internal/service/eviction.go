package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"inbox-service/internal/access"
	"inbox-service/internal/config"
	registrystore "inbox-service/internal/registry/store"
)

// EvictionService periodically hard-deletes conversations inactive for longer than the retention.
type EvictionService struct {
	store     registrystore.ConversationStore
	access    *access.Evaluator
	interval  time.Duration
	retention time.Duration
	batchSize int
	delay     time.Duration
	now       func() time.Time
}

// NewEvictionService creates a new eviction service.
func NewEvictionService(store registrystore.ConversationStore, evaluator *access.Evaluator, cfg *config.Config) *EvictionService {
	batchSize := cfg.EvictionBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	interval := cfg.EvictionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &EvictionService{
		store:     store,
		access:    evaluator,
		interval:  interval,
		retention: cfg.ConversationRetention,
		batchSize: batchSize,
		delay:     time.Duration(cfg.EvictionBatchDelay) * time.Millisecond,
		now:       time.Now,
	}
}

// Start begins the periodic eviction loop. Returns when ctx is cancelled or
// immediately when retention is disabled.
func (e *EvictionService) Start(ctx context.Context) {
	if e.retention <= 0 {
		log.Debug("Eviction disabled")
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunOnce(ctx)
		}
	}
}

// RunOnce deletes every evictable conversation in batches and returns how many were removed.
func (e *EvictionService) RunOnce(ctx context.Context) int {
	if e.retention <= 0 {
		return 0
	}
	cutoff := e.now().Add(-e.retention)
	evicted := 0
	for {
		ids, err := e.store.FindEvictableConversationIDs(ctx, cutoff, e.batchSize)
		if err != nil {
			log.Error("Eviction: find IDs failed", "err", err)
			return evicted
		}
		if len(ids) == 0 {
			break
		}
		if evicted == 0 {
			log.Info("Eviction: starting", "cutoff", cutoff)
		}
		if err := e.store.DeleteConversations(ctx, ids); err != nil {
			log.Error("Eviction: hard delete failed", "err", err)
			return evicted
		}
		if e.access != nil {
			e.access.Forget(ctx, ids...)
		}
		evicted += len(ids)
		if len(ids) < e.batchSize {
			break
		}

		if e.delay > 0 {
			select {
			case <-ctx.Done():
				return evicted
			case <-time.After(e.delay):
			}
		}
	}
	if evicted > 0 {
		log.Info("Eviction: completed", "evicted", evicted)
	}
	return evicted
}
