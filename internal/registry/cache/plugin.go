package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CachedParticipants holds the two immutable participants of a conversation.
type CachedParticipants struct {
	UserID     string `json:"userId"`
	BusinessID string `json:"businessId"`
}

// ParticipantCache caches conversation participants for access checks.
// A miss is reported as (nil, nil).
type ParticipantCache interface {
	Available() bool
	Get(ctx context.Context, conversationID uuid.UUID) (*CachedParticipants, error)
	Set(ctx context.Context, conversationID uuid.UUID, participants CachedParticipants, ttl time.Duration) error
	Remove(ctx context.Context, conversationIDs ...uuid.UUID) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ParticipantCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
