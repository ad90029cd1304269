package noop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"inbox-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ParticipantCache, error) {
			return &noopParticipantCache{}, nil
		},
	})
}

type noopParticipantCache struct{}

func (n *noopParticipantCache) Available() bool { return false }
func (n *noopParticipantCache) Get(_ context.Context, _ uuid.UUID) (*cache.CachedParticipants, error) {
	return nil, nil
}
func (n *noopParticipantCache) Set(_ context.Context, _ uuid.UUID, _ cache.CachedParticipants, _ time.Duration) error {
	return nil
}
func (n *noopParticipantCache) Remove(_ context.Context, _ ...uuid.UUID) error { return nil }

var _ cache.ParticipantCache = (*noopParticipantCache)(nil)
