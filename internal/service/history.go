package service

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"inbox-service/internal/access"
	"inbox-service/internal/config"
	"inbox-service/internal/model"
	registrystore "inbox-service/internal/registry/store"
)

// Page is one page of conversation history as returned to clients.
type Page struct {
	Messages   []model.Message `json:"messages"`
	NextCursor *string         `json:"nextCursor"`
	// TailCursor is the position of the last message served, or the request
	// cursor when the page is empty. Pollers resume from it.
	TailCursor  *string `json:"tailCursor,omitempty"`
	UnreadCount int64   `json:"unreadCount"`
}

// ReadState is the caller's read position after an explicit markRead.
type ReadState struct {
	ConversationID    uuid.UUID  `json:"conversationId"`
	LastReadMessageID *uuid.UUID `json:"lastReadMessageId,omitempty"`
	UnreadCount       int64      `json:"unreadCount"`
}

// ConversationPage is one page of the caller's conversation summaries.
type ConversationPage struct {
	Conversations []registrystore.ConversationSummary `json:"conversations"`
	NextCursor    *string                             `json:"nextCursor"`
}

// History reads conversation history and maintains read state.
type History struct {
	store  registrystore.ConversationStore
	access *access.Evaluator
	cfg    *config.Config
}

func NewHistory(store registrystore.ConversationStore, evaluator *access.Evaluator, cfg *config.Config) *History {
	return &History{store: store, access: evaluator, cfg: cfg}
}

// List returns messages after cursor in ascending (createdAt, id) order and
// marks the served messages read for the caller. Messages skipped by a cursor
// ahead of the caller's read position stay unread.
func (h *History) List(ctx context.Context, p model.Principal, conversationID uuid.UUID, cursor string, pageSize int) (*Page, error) {
	size, ok := h.cfg.ClampPageSize(pageSize)
	if !ok {
		return nil, &registrystore.ValidationError{
			Field:   "pageSize",
			Message: fmt.Sprintf("pageSize must be between 1 and %d", h.cfg.HistoryMaxPageSize),
		}
	}
	after, err := registrystore.ParseCursor(cursor)
	if err != nil {
		return nil, err
	}
	conv, err := h.access.Authorize(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}

	paged, err := h.store.ListMessages(ctx, conversationID, after, size)
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: paged.Messages, UnreadCount: conv.UnreadFor(p)}
	if paged.Next != nil {
		next := registrystore.EncodeCursor(*paged.Next)
		page.NextCursor = &next
	}
	if n := len(paged.Messages); n > 0 {
		last := registrystore.Position{At: paged.Messages[n-1].CreatedAt, ID: paged.Messages[n-1].ID}
		tail := registrystore.EncodeCursor(last)
		page.TailCursor = &tail

		read, err := h.store.MarkRead(ctx, conversationID, p, after, last)
		if err != nil {
			log.Warn("Failed to advance read state after listing", "conversationId", conversationID, "err", err)
		} else {
			page.UnreadCount = read.UnreadCount
		}
	} else if after != nil {
		tail := cursor
		page.TailCursor = &tail
	}
	return page, nil
}

// MarkRead advances the caller's read position up to and including messageID.
func (h *History) MarkRead(ctx context.Context, p model.Principal, conversationID uuid.UUID, messageID uuid.UUID) (*ReadState, error) {
	if err := h.access.CanAccess(ctx, p, conversationID); err != nil {
		return nil, err
	}
	msg, err := h.store.GetMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	res, err := h.store.MarkRead(ctx, conversationID, p, nil, registrystore.Position{At: msg.CreatedAt, ID: msg.ID})
	if err != nil {
		return nil, err
	}
	state := &ReadState{ConversationID: conversationID, UnreadCount: res.UnreadCount}
	if res.Position != nil {
		id := res.Position.ID
		state.LastReadMessageID = &id
	}
	return state, nil
}

// Conversations lists the caller's conversations, most recently active first.
func (h *History) Conversations(ctx context.Context, p model.Principal, cursor string, pageSize int) (*ConversationPage, error) {
	if pageSize == 0 {
		pageSize = h.cfg.ConversationsListPageSize
	}
	if pageSize < 1 || pageSize > h.cfg.HistoryMaxPageSize {
		return nil, &registrystore.ValidationError{
			Field:   "pageSize",
			Message: fmt.Sprintf("pageSize must be between 1 and %d", h.cfg.HistoryMaxPageSize),
		}
	}
	after, err := registrystore.ParseCursor(cursor)
	if err != nil {
		return nil, err
	}
	paged, err := h.store.ListConversations(ctx, p, after, pageSize)
	if err != nil {
		return nil, err
	}
	page := &ConversationPage{Conversations: paged.Conversations}
	if paged.Next != nil {
		next := registrystore.EncodeCursor(*paged.Next)
		page.NextCursor = &next
	}
	return page, nil
}

// Conversation returns one summary for a participant.
func (h *History) Conversation(ctx context.Context, p model.Principal, conversationID uuid.UUID) (*registrystore.ConversationSummary, error) {
	conv, err := h.access.Authorize(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}
	summary := registrystore.SummaryFor(conv, p)
	return &summary, nil
}

// Message returns one message of a conversation the caller participates in.
func (h *History) Message(ctx context.Context, p model.Principal, conversationID uuid.UUID, messageID uuid.UUID) (*model.Message, error) {
	if err := h.access.CanAccess(ctx, p, conversationID); err != nil {
		return nil, err
	}
	return h.store.GetMessage(ctx, conversationID, messageID)
}

// Resolve maps a conversation reference (id or pair key) to a conversation id.
// A pair the caller is not part of is forbidden; a pair without a conversation
// is not found.
func (h *History) Resolve(ctx context.Context, p model.Principal, ref string) (uuid.UUID, error) {
	id, pair, err := ParseConversationRef(ref)
	if err != nil {
		return uuid.Nil, err
	}
	if id != nil {
		return *id, nil
	}
	if !pair.Includes(p) {
		return uuid.Nil, &registrystore.ForbiddenError{}
	}
	conv, err := h.store.FindConversationByPair(ctx, *pair)
	if err != nil {
		return uuid.Nil, err
	}
	return conv.ID, nil
}
