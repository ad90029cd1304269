package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"inbox-service/internal/model"
)

// PairKeyPrefix marks a conversation reference that names its two participants
// instead of a conversation id.
const PairKeyPrefix = "pair:"

// Pair identifies a conversation by its participants. A conversation exists at
// most once per pair.
type Pair struct {
	UserID     string
	BusinessID string
}

// Key renders the pair in the form accepted by ParsePairKey.
func (p Pair) Key() string {
	return PairKeyPrefix + p.UserID + ":" + p.BusinessID
}

// Includes reports whether the principal is the side of the pair matching its role.
func (p Pair) Includes(principal model.Principal) bool {
	switch principal.Role {
	case model.RoleUser:
		return principal.ID == p.UserID
	case model.RoleBusiness:
		return principal.ID == p.BusinessID
	default:
		return false
	}
}

// IsPairKey reports whether ref looks like a pair key rather than a conversation id.
func IsPairKey(ref string) bool {
	return strings.HasPrefix(ref, PairKeyPrefix)
}

// ParsePairKey parses "pair:<userId>:<businessId>".
func ParsePairKey(ref string) (Pair, error) {
	if !IsPairKey(ref) {
		return Pair{}, &ValidationError{Field: "conversationId", Message: "not a pair key"}
	}
	parts := strings.Split(strings.TrimPrefix(ref, PairKeyPrefix), ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, &ValidationError{Field: "conversationId", Message: "pair key must be pair:<userId>:<businessId>"}
	}
	if parts[0] == parts[1] {
		return Pair{}, &ValidationError{Field: "conversationId", Message: "a pair needs two distinct participants"}
	}
	return Pair{UserID: parts[0], BusinessID: parts[1]}, nil
}

// AppendMessageRequest is the input for appending a message. Exactly one of
// ConversationID or Pair is set.
type AppendMessageRequest struct {
	ConversationID *uuid.UUID
	Pair           *Pair
	Sender         model.Principal
	Body           string
	AttachmentURL  *string
	AttachmentName *string
	IdempotencyKey *string
}

// SamePayload reports whether m carries the same content as the request.
func (r *AppendMessageRequest) SamePayload(m *model.Message) bool {
	return m.Body == r.Body &&
		optionalEqual(m.AttachmentURL, r.AttachmentURL) &&
		optionalEqual(m.AttachmentName, r.AttachmentName)
}

func optionalEqual(a, b *string) bool {
	if a == nil || b == nil {
		return (a == nil || *a == "") && (b == nil || *b == "")
	}
	return *a == *b
}

// AppendResult is the outcome of AppendMessage.
type AppendResult struct {
	Message      model.Message
	Conversation model.Conversation
	// Replayed is true when the idempotency key matched an earlier message.
	Replayed bool
	// Created is true when this append created the conversation.
	Created bool
}

// PagedMessages is one page of history in ascending (createdAt, id) order.
type PagedMessages struct {
	Messages []model.Message
	// Next is the position to resume from when more messages follow this page.
	Next *Position
}

// ReadResult reports the caller's read state after MarkRead.
type ReadResult struct {
	ConversationID uuid.UUID
	Position       *Position
	UnreadCount    int64
	// Advanced is false when nothing new was recorded as seen.
	Advanced bool
}

// ConversationSummary is a conversation as seen by one of its participants.
type ConversationSummary struct {
	ID             uuid.UUID  `json:"id"`
	UserID         string     `json:"userId"`
	BusinessID     string     `json:"businessId"`
	CounterpartID  string     `json:"counterpartId"`
	UnreadCount    int64      `json:"unreadCount"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastReadID     *uuid.UUID `json:"lastReadMessageId,omitempty"`
}

// SummaryFor projects c onto the principal's point of view.
func SummaryFor(c *model.Conversation, p model.Principal) ConversationSummary {
	return ConversationSummary{
		ID:             c.ID,
		UserID:         c.UserID,
		BusinessID:     c.BusinessID,
		CounterpartID:  c.Counterpart(p),
		UnreadCount:    c.UnreadFor(p),
		LastActivityAt: c.LastActivityAt,
		CreatedAt:      c.CreatedAt,
	}
}

// PagedConversations is one page of summaries in descending lastActivityAt order.
type PagedConversations struct {
	Conversations []ConversationSummary
	Next          *Position
}

// ConversationStore is the durable, transactional store of conversations,
// messages and read state. Implementations classify their failures as
// TimeoutError or UnavailableError.
type ConversationStore interface {
	Ping(ctx context.Context) error
	Close() error

	// Conversations
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)
	FindConversationByPair(ctx context.Context, pair Pair) (*model.Conversation, error)
	ListConversations(ctx context.Context, principal model.Principal, after *Position, limit int) (*PagedConversations, error)

	// Messages
	// AppendMessage resolves or creates the conversation, inserts the message and
	// updates activity and the recipient's unread count in one transaction.
	AppendMessage(ctx context.Context, req AppendMessageRequest) (*AppendResult, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, after *Position, limit int) (*PagedMessages, error)
	GetMessage(ctx context.Context, conversationID uuid.UUID, messageID uuid.UUID) (*model.Message, error)

	// Read state
	// MarkRead records (from, upTo] as seen by reader. A nil from covers every
	// message up to upTo. A range that starts past unseen counterpart messages
	// lowers the unread count without moving the read position over the gap.
	MarkRead(ctx context.Context, conversationID uuid.UUID, reader model.Principal, from *Position, upTo Position) (*ReadResult, error)

	// Eviction
	FindEvictableConversationIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	DeleteConversations(ctx context.Context, conversationIDs []uuid.UUID) error
}

// Loader creates a ConversationStore from config.
type Loader func(ctx context.Context) (ConversationStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
