package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"inbox-service/internal/config"
	registrycache "inbox-service/internal/registry/cache"
)

const defaultTTL = time.Hour

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ParticipantCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: INBOX_SERVICE_REDIS_URL is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.CacheParticipantTTL)
}

// LoadFromURLWithTTL creates a participant cache from a Redis URL with an explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ParticipantCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptionsWithTTL creates a participant cache from go-redis Options.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.ParticipantCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisParticipantCache{client: client, ttl: ttl}, nil
}

type redisParticipantCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func participantsKey(convID uuid.UUID) string {
	return "conv-participants:" + convID.String()
}

func (c *redisParticipantCache) Available() bool {
	return true
}

func (c *redisParticipantCache) Get(ctx context.Context, conversationID uuid.UUID) (*registrycache.CachedParticipants, error) {
	data, err := c.client.Get(ctx, participantsKey(conversationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedParticipants
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *redisParticipantCache) Set(ctx context.Context, conversationID uuid.UUID, participants registrycache.CachedParticipants, ttl time.Duration) error {
	data, err := json.Marshal(participants)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, participantsKey(conversationID), data, ttl).Err()
}

func (c *redisParticipantCache) Remove(ctx context.Context, conversationIDs ...uuid.UUID) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	keys := make([]string, len(conversationIDs))
	for i, id := range conversationIDs {
		keys[i] = participantsKey(id)
	}
	return c.client.Del(ctx, keys...).Err()
}

var _ registrycache.ParticipantCache = (*redisParticipantCache)(nil)
