package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"inbox-service/internal/model"
	"inbox-service/internal/registry/store"
	"inbox-service/internal/security"
)

// Wrap returns a ConversationStore that records StoreLatency for every operation.
func Wrap(inner store.ConversationStore) store.ConversationStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ConversationStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) Ping(ctx context.Context) error {
	defer observe("ping", time.Now())
	return m.inner.Ping(ctx)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) FindConversationByPair(ctx context.Context, pair store.Pair) (*model.Conversation, error) {
	defer observe("find_conversation_by_pair", time.Now())
	return m.inner.FindConversationByPair(ctx, pair)
}

func (m *metricsStore) ListConversations(ctx context.Context, principal model.Principal, after *store.Position, limit int) (*store.PagedConversations, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, principal, after, limit)
}

func (m *metricsStore) AppendMessage(ctx context.Context, req store.AppendMessageRequest) (*store.AppendResult, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, req)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID uuid.UUID, after *store.Position, limit int) (*store.PagedMessages, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID, after, limit)
}

func (m *metricsStore) GetMessage(ctx context.Context, conversationID uuid.UUID, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) MarkRead(ctx context.Context, conversationID uuid.UUID, reader model.Principal, from *store.Position, upTo store.Position) (*store.ReadResult, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkRead(ctx, conversationID, reader, from, upTo)
}

func (m *metricsStore) FindEvictableConversationIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	defer observe("find_evictable_conversation_ids", time.Now())
	return m.inner.FindEvictableConversationIDs(ctx, cutoff, limit)
}

func (m *metricsStore) DeleteConversations(ctx context.Context, conversationIDs []uuid.UUID) error {
	defer observe("delete_conversations", time.Now())
	return m.inner.DeleteConversations(ctx, conversationIDs)
}
