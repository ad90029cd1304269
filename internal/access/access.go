// Package access decides whether a principal may touch a conversation.
package access

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"inbox-service/internal/model"
	registrycache "inbox-service/internal/registry/cache"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
)

// Evaluator answers canAccess from the store, reading through the participant cache.
type Evaluator struct {
	store registrystore.ConversationStore
	cache registrycache.ParticipantCache
	ttl   time.Duration
}

// NewEvaluator creates an Evaluator. cache may be nil.
func NewEvaluator(store registrystore.ConversationStore, cache registrycache.ParticipantCache, ttl time.Duration) *Evaluator {
	return &Evaluator{store: store, cache: cache, ttl: ttl}
}

// CanAccess returns nil when p is one of the two participants of the conversation,
// NotFoundError when it does not exist and ForbiddenError otherwise.
func (e *Evaluator) CanAccess(ctx context.Context, p model.Principal, conversationID uuid.UUID) error {
	if e.cache != nil && e.cache.Available() {
		cached, err := e.cache.Get(ctx, conversationID)
		switch {
		case err != nil:
			log.Warn("Participant cache lookup failed", "conversationId", conversationID, "err", err)
		case cached != nil:
			security.RecordCacheLookup(true)
			return decide(p, &model.Conversation{UserID: cached.UserID, BusinessID: cached.BusinessID})
		default:
			security.RecordCacheLookup(false)
		}
	}
	_, err := e.Authorize(ctx, p, conversationID)
	return err
}

// Authorize loads the conversation and checks p against it, refreshing the cache.
func (e *Evaluator) Authorize(ctx context.Context, p model.Principal, conversationID uuid.UUID) (*model.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	e.remember(ctx, conv)
	if err := decide(p, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Forget drops cached participants of deleted conversations.
func (e *Evaluator) Forget(ctx context.Context, conversationIDs ...uuid.UUID) {
	if e.cache == nil || !e.cache.Available() || len(conversationIDs) == 0 {
		return
	}
	if err := e.cache.Remove(ctx, conversationIDs...); err != nil {
		log.Warn("Participant cache eviction failed", "count", len(conversationIDs), "err", err)
	}
}

func (e *Evaluator) remember(ctx context.Context, conv *model.Conversation) {
	if e.cache == nil || !e.cache.Available() {
		return
	}
	participants := registrycache.CachedParticipants{UserID: conv.UserID, BusinessID: conv.BusinessID}
	if err := e.cache.Set(ctx, conv.ID, participants, e.ttl); err != nil {
		log.Warn("Participant cache update failed", "conversationId", conv.ID, "err", err)
	}
}

func decide(p model.Principal, conv *model.Conversation) error {
	if conv.HasParticipant(p) {
		return nil
	}
	return &registrystore.ForbiddenError{}
}
