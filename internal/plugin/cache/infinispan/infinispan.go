// Package infinispan caches conversation participants in Infinispan through its
// RESP endpoint, sharing the Redis cache implementation.
package infinispan

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"inbox-service/internal/config"
	"inbox-service/internal/plugin/cache/redis"
	registrycache "inbox-service/internal/registry/cache"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "infinispan",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ParticipantCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.InfinispanHost == "" {
		return nil, fmt.Errorf("infinispan cache: INBOX_SERVICE_INFINISPAN_HOST is required")
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, cfg.InfinispanStartupTimeout)
	defer cancel()
	return redis.LoadFromOptionsWithTTL(timeoutCtx, Options(cfg.InfinispanHost, cfg.InfinispanUsername, cfg.InfinispanPassword), cfg.CacheParticipantTTL)
}

// Options returns go-redis options for an Infinispan RESP endpoint. The endpoint
// rejects the RESP3 HELLO handshake, so the protocol is pinned to RESP2.
func Options(host, username, password string) *goredis.Options {
	return &goredis.Options{
		Addr:     host,
		Username: username,
		Password: password,
		Protocol: 2,
	}
}
