// Package gormstore implements registrystore.ConversationStore on top of gorm.
// The postgres and sqlite plugins share it and differ only in dialector, pool
// settings and schema.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"inbox-service/internal/model"
	registrystore "inbox-service/internal/registry/store"
)

type NotFoundError = registrystore.NotFoundError
type ForbiddenError = registrystore.ForbiddenError
type ConflictError = registrystore.ConflictError

// Options tune dialect specific behavior.
type Options struct {
	// IsTimeout reports driver errors that mean a statement or lock timeout.
	IsTimeout func(error) bool
	// Now overrides the clock. Tests use it to force timestamp collisions.
	Now func() time.Time
}

// Store is a ConversationStore backed by a gorm connection.
type Store struct {
	db   *gorm.DB
	opts Options
}

// New wraps an open gorm connection. The connection must have been opened with
// TranslateError enabled so unique violations surface as gorm.ErrDuplicatedKey.
func New(db *gorm.DB, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, opts: opts}
}

// DB exposes the underlying connection for plugins and tests.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return s.classify(ctx, "ping", err)
	}
	return s.classify(ctx, "ping", sqlDB.PingContext(ctx))
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify turns driver failures into TimeoutError or UnavailableError.
// Domain errors pass through unchanged.
func (s *Store) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	switch registrystore.KindOf(err) {
	case registrystore.KindInvalidInput, registrystore.KindForbidden, registrystore.KindNotFound,
		registrystore.KindInvalidCursor, registrystore.KindConflict:
		return err
	}
	var timeout *registrystore.TimeoutError
	var unavailable *registrystore.UnavailableError
	if errors.As(err, &timeout) || errors.As(err, &unavailable) {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (s.opts.IsTimeout != nil && s.opts.IsTimeout(err)) {
		return &registrystore.TimeoutError{Op: op, Err: err}
	}
	return &registrystore.UnavailableError{Op: op, Err: err}
}

// --- Conversations ---

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, s.classify(ctx, "get_conversation", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return &conv, nil
}

func (s *Store) FindConversationByPair(ctx context.Context, pair registrystore.Pair) (*model.Conversation, error) {
	var conv model.Conversation
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND business_id = ?", pair.UserID, pair.BusinessID).
		Limit(1).
		Find(&conv)
	if result.Error != nil {
		return nil, s.classify(ctx, "find_conversation", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: pair.Key()}
	}
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, principal model.Principal, after *registrystore.Position, limit int) (*registrystore.PagedConversations, error) {
	column := "user_id"
	if principal.Role == model.RoleBusiness {
		column = "business_id"
	}
	tx := s.db.WithContext(ctx).Where(column+" = ?", principal.ID)
	if after != nil {
		tx = tx.Where("last_activity_at < ? OR (last_activity_at = ? AND id < ?)", after.At, after.At, after.ID)
	}
	var convs []model.Conversation
	if err := tx.Order("last_activity_at DESC").Order("id DESC").Limit(limit + 1).Find(&convs).Error; err != nil {
		return nil, s.classify(ctx, "list_conversations", fmt.Errorf("list conversations failed: %w", err))
	}

	page := &registrystore.PagedConversations{Conversations: []registrystore.ConversationSummary{}}
	hasMore := len(convs) > limit
	if hasMore {
		convs = convs[:limit]
	}
	for i := range convs {
		page.Conversations = append(page.Conversations, registrystore.SummaryFor(&convs[i], principal))
	}
	if hasMore && len(convs) > 0 {
		last := convs[len(convs)-1]
		page.Next = &registrystore.Position{At: last.LastActivityAt, ID: last.ID}
	}
	return page, nil
}

// --- Messages ---

// errReplayRace aborts an append whose idempotency key was committed by a
// concurrent transaction between our lookup and our insert.
var errReplayRace = errors.New("idempotency key inserted concurrently")

func (s *Store) AppendMessage(ctx context.Context, req registrystore.AppendMessageRequest) (*registrystore.AppendResult, error) {
	if (req.ConversationID == nil) == (req.Pair == nil) {
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "exactly one of conversation id or pair is required"}
	}

	var result *registrystore.AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, created, err := s.lockConversation(tx, req)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(req.Sender) {
			return &ForbiddenError{}
		}

		if req.IdempotencyKey != nil {
			existing, err := findByIdempotencyKey(tx, req.Sender.ID, *req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				result, err = replay(&req, existing, conv)
				return err
			}
		}

		at := s.now()
		if !created && !at.After(conv.LastActivityAt) {
			at = conv.LastActivityAt.Add(time.Microsecond)
		}
		msg := model.Message{
			ID:             newMessageID(),
			ConversationID: conv.ID,
			SenderID:       req.Sender.ID,
			SenderRole:     req.Sender.Role,
			Body:           req.Body,
			AttachmentURL:  nonEmpty(req.AttachmentURL),
			AttachmentName: nonEmpty(req.AttachmentName),
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      at,
		}
		if err := tx.Create(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) && req.IdempotencyKey != nil {
				return errReplayRace
			}
			return fmt.Errorf("insert message failed: %w", err)
		}

		recipient := model.RoleUser
		if req.Sender.Role == model.RoleUser {
			recipient = model.RoleBusiness
		}
		column := model.UnreadColumn(recipient)
		if err := tx.Model(&model.Conversation{}).
			Where("id = ?", conv.ID).
			Updates(map[string]interface{}{
				"last_activity_at": at,
				column:             gorm.Expr(column+" + 1"),
			}).Error; err != nil {
			return fmt.Errorf("update conversation failed: %w", err)
		}
		conv.LastActivityAt = at
		if recipient == model.RoleBusiness {
			conv.BusinessUnreadCount++
		} else {
			conv.UserUnreadCount++
		}

		result = &registrystore.AppendResult{Message: msg, Conversation: *conv, Created: created}
		return nil
	})
	if errors.Is(err, errReplayRace) {
		return s.replayCommitted(ctx, req)
	}
	if err != nil {
		return nil, s.classify(ctx, "append_message", err)
	}
	return result, nil
}

// lockConversation resolves the target conversation and locks its row for the
// rest of the transaction. For a pair the row is created first if absent; the
// unique (user_id, business_id) constraint makes concurrent first sends agree
// on one row.
func (s *Store) lockConversation(tx *gorm.DB, req registrystore.AppendMessageRequest) (*model.Conversation, bool, error) {
	var conv model.Conversation
	if req.ConversationID != nil {
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", *req.ConversationID).
			Limit(1).
			Find(&conv)
		if result.Error != nil {
			return nil, false, fmt.Errorf("load conversation failed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, false, &NotFoundError{Resource: "conversation", ID: req.ConversationID.String()}
		}
		return &conv, false, nil
	}

	now := s.now()
	candidate := model.Conversation{
		ID:             uuid.New(),
		UserID:         req.Pair.UserID,
		BusinessID:     req.Pair.BusinessID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	insert := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "business_id"}},
		DoNothing: true,
	}).Create(&candidate)
	if insert.Error != nil {
		return nil, false, fmt.Errorf("create conversation failed: %w", insert.Error)
	}
	created := insert.RowsAffected == 1

	result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND business_id = ?", req.Pair.UserID, req.Pair.BusinessID).
		Limit(1).
		Find(&conv)
	if result.Error != nil {
		return nil, false, fmt.Errorf("load conversation failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, &NotFoundError{Resource: "conversation", ID: req.Pair.Key()}
	}
	if created {
		log.Info("Created conversation", "conversationId", conv.ID, "userId", conv.UserID, "businessId", conv.BusinessID)
	}
	return &conv, created, nil
}

func findByIdempotencyKey(tx *gorm.DB, senderID, key string) (*model.Message, error) {
	var msg model.Message
	result := tx.Where("sender_id = ? AND idempotency_key = ?", senderID, key).Limit(1).Find(&msg)
	if result.Error != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &msg, nil
}

func replay(req *registrystore.AppendMessageRequest, existing *model.Message, conv *model.Conversation) (*registrystore.AppendResult, error) {
	if existing.ConversationID != conv.ID || !req.SamePayload(existing) {
		return nil, &ConflictError{
			Message: "idempotency key was already used for a different message",
			Code:    "idempotency_key_reused",
			Details: map[string]interface{}{"messageId": existing.ID.String()},
		}
	}
	return &registrystore.AppendResult{Message: *existing, Conversation: *conv, Replayed: true}, nil
}

func (s *Store) replayCommitted(ctx context.Context, req registrystore.AppendMessageRequest) (*registrystore.AppendResult, error) {
	existing, err := findByIdempotencyKey(s.db.WithContext(ctx), req.Sender.ID, *req.IdempotencyKey)
	if err != nil {
		return nil, s.classify(ctx, "append_message", err)
	}
	if existing == nil {
		return nil, &registrystore.UnavailableError{Op: "append_message", Err: errReplayRace}
	}
	conv, err := s.GetConversation(ctx, existing.ConversationID)
	if err != nil {
		return nil, err
	}
	target := conv
	switch {
	case req.ConversationID != nil && *req.ConversationID != conv.ID:
		target = &model.Conversation{ID: *req.ConversationID}
	case req.Pair != nil && (req.Pair.UserID != conv.UserID || req.Pair.BusinessID != conv.BusinessID):
		target = &model.Conversation{}
	}
	return replay(&req, existing, target)
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, after *registrystore.Position, limit int) (*registrystore.PagedMessages, error) {
	db := s.db.WithContext(ctx)
	if after != nil {
		if err := s.checkCursor(ctx, db, conversationID, *after); err != nil {
			return nil, err
		}
	}

	tx := db.Where("conversation_id = ?", conversationID)
	if after != nil {
		tx = tx.Where("created_at > ? OR (created_at = ? AND id > ?)", after.At, after.At, after.ID)
	}
	var messages []model.Message
	if err := tx.Order("created_at ASC").Order("id ASC").Limit(limit + 1).Find(&messages).Error; err != nil {
		return nil, s.classify(ctx, "list_messages", fmt.Errorf("list messages failed: %w", err))
	}

	page := &registrystore.PagedMessages{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		last := page.Messages[limit-1]
		page.Next = &registrystore.Position{At: last.CreatedAt, ID: last.ID}
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	return page, nil
}

// checkCursor verifies the cursor still names a message of this conversation
// at the encoded timestamp.
func (s *Store) checkCursor(ctx context.Context, db *gorm.DB, conversationID uuid.UUID, after registrystore.Position) error {
	var msg model.Message
	result := db.Where("id = ? AND conversation_id = ?", after.ID, conversationID).Limit(1).Find(&msg)
	if result.Error != nil {
		return s.classify(ctx, "list_messages", fmt.Errorf("cursor lookup failed: %w", result.Error))
	}
	if result.RowsAffected == 0 {
		return &registrystore.InvalidCursorError{Reason: "cursor does not reference a message in this conversation"}
	}
	if msg.CreatedAt.UnixMicro() != after.At.UnixMicro() {
		return &registrystore.InvalidCursorError{Reason: "cursor timestamp does not match its message"}
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, conversationID uuid.UUID, messageID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	result := s.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Limit(1).
		Find(&msg)
	if result.Error != nil {
		return nil, s.classify(ctx, "get_message", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return &msg, nil
}

// --- Read state ---

func (s *Store) MarkRead(ctx context.Context, conversationID uuid.UUID, reader model.Principal, from *registrystore.Position, upTo registrystore.Position) (*registrystore.ReadResult, error) {
	var result *registrystore.ReadResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv model.Conversation
		found := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID).Limit(1).Find(&conv)
		if found.Error != nil {
			return fmt.Errorf("load conversation failed: %w", found.Error)
		}
		if found.RowsAffected == 0 {
			return &NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		if !conv.HasParticipant(reader) {
			return &ForbiddenError{}
		}

		rs, err := loadReadState(tx, conversationID, reader.ID)
		if err != nil {
			return err
		}
		result = &registrystore.ReadResult{
			ConversationID: conversationID,
			Position:       rs.position,
			UnreadCount:    conv.UnreadFor(reader),
		}
		counter := seenCounter{tx: tx, conversationID: conversationID, reader: reader.ID}

		contiguous := from == nil || (rs.position != nil && !from.After(*rs.position))
		if !contiguous {
			gap, err := counter.between(rs.position, *from)
			if err != nil {
				return err
			}
			contiguous = gap == 0
		}

		var newlyRead int64
		if contiguous {
			if rs.position != nil && !upTo.After(*rs.position) {
				return nil
			}
			if newlyRead, err = counter.between(rs.position, upTo); err != nil {
				return err
			}
			next := upTo
			if rs.ahead != nil {
				// Fold the served-ahead range in once nothing unseen separates it.
				gap, err := counter.between(&next, rs.ahead.after)
				if err != nil {
					return err
				}
				if gap == 0 {
					lower := rs.ahead.after
					if rs.position != nil && rs.position.After(lower) {
						lower = *rs.position
					}
					overlap, err := counter.between(&lower, earlier(rs.ahead.through, next))
					if err != nil {
						return err
					}
					newlyRead -= overlap
					if rs.ahead.through.After(next) {
						next = rs.ahead.through
					}
					rs.ahead = nil
				}
			}
			rs.position = &next
		} else {
			served := seenRange{after: *from, through: upTo}
			if rs.ahead == nil {
				if newlyRead, err = counter.between(&served.after, served.through); err != nil {
					return err
				}
				rs.ahead = &served
			} else {
				merged, ok, err := counter.union(*rs.ahead, served)
				if err != nil {
					return err
				}
				if !ok {
					// Only one served-ahead range is tracked; the count stays high until read in order.
					return nil
				}
				total, err := counter.between(&merged.after, merged.through)
				if err != nil {
					return err
				}
				prior, err := counter.between(&rs.ahead.after, rs.ahead.through)
				if err != nil {
					return err
				}
				newlyRead = total - prior
				rs.ahead = &merged
			}
		}

		if err := saveReadState(tx, conversationID, reader.ID, rs, s.now()); err != nil {
			return err
		}

		unread := conv.UnreadFor(reader) - newlyRead
		if unread < 0 {
			unread = 0
		}
		column := model.UnreadColumn(reader.Role)
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Update(column, unread).Error; err != nil {
			return fmt.Errorf("update unread count failed: %w", err)
		}

		result.Position = rs.position
		result.UnreadCount = unread
		result.Advanced = contiguous || newlyRead > 0
		return nil
	})
	if err != nil {
		return nil, s.classify(ctx, "mark_read", err)
	}
	return result, nil
}

// seenRange is the half-open message range (after, through].
type seenRange struct {
	after   registrystore.Position
	through registrystore.Position
}

type readState struct {
	position *registrystore.Position
	ahead    *seenRange
}

func earlier(a, b registrystore.Position) registrystore.Position {
	if a.After(b) {
		return b
	}
	return a
}

// seenCounter counts the messages a reader has not sent, which are the ones
// that contribute to its unread count.
type seenCounter struct {
	tx             *gorm.DB
	conversationID uuid.UUID
	reader         string
}

// between counts counterpart messages in (lo, hi]. A nil lo starts at the
// beginning of the conversation.
func (c seenCounter) between(lo *registrystore.Position, hi registrystore.Position) (int64, error) {
	if lo != nil && !hi.After(*lo) {
		return 0, nil
	}
	q := c.tx.Model(&model.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", c.conversationID, c.reader).
		Where("created_at < ? OR (created_at = ? AND id <= ?)", hi.At, hi.At, hi.ID)
	if lo != nil {
		q = q.Where("created_at > ? OR (created_at = ? AND id > ?)", lo.At, lo.At, lo.ID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count unread failed: %w", err)
	}
	return n, nil
}

// union joins two ranges when no counterpart message lies between them.
func (c seenCounter) union(a, b seenRange) (seenRange, bool, error) {
	if b.after.After(a.after) {
		a, b = b, a
	}
	// b now starts first; a must begin no later than b ends, ignoring own messages.
	gap, err := c.between(&b.through, a.after)
	if err != nil || gap > 0 {
		return seenRange{}, false, err
	}
	merged := b
	if a.through.After(merged.through) {
		merged.through = a.through
	}
	return merged, true, nil
}

func loadReadState(tx *gorm.DB, conversationID uuid.UUID, participantID string) (readState, error) {
	var state model.ReadState
	result := tx.Where("conversation_id = ? AND participant_id = ?", conversationID, participantID).Limit(1).Find(&state)
	if result.Error != nil {
		return readState{}, fmt.Errorf("load read state failed: %w", result.Error)
	}
	var rs readState
	if result.RowsAffected == 0 {
		return rs, nil
	}
	if state.LastReadMessageID != nil && state.LastReadAt != nil {
		rs.position = &registrystore.Position{At: state.LastReadAt.UTC(), ID: *state.LastReadMessageID}
	}
	if state.AheadAfterMessageID != nil && state.AheadAfterAt != nil && state.AheadThroughMessageID != nil && state.AheadThroughAt != nil {
		rs.ahead = &seenRange{
			after:   registrystore.Position{At: state.AheadAfterAt.UTC(), ID: *state.AheadAfterMessageID},
			through: registrystore.Position{At: state.AheadThroughAt.UTC(), ID: *state.AheadThroughMessageID},
		}
	}
	return rs, nil
}

func saveReadState(tx *gorm.DB, conversationID uuid.UUID, participantID string, rs readState, now time.Time) error {
	state := model.ReadState{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		UpdatedAt:      now,
	}
	if rs.position != nil {
		id, at := rs.position.ID, rs.position.At
		state.LastReadMessageID, state.LastReadAt = &id, &at
	}
	if rs.ahead != nil {
		afterID, afterAt := rs.ahead.after.ID, rs.ahead.after.At
		throughID, throughAt := rs.ahead.through.ID, rs.ahead.through.At
		state.AheadAfterMessageID, state.AheadAfterAt = &afterID, &afterAt
		state.AheadThroughMessageID, state.AheadThroughAt = &throughID, &throughAt
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversation_id"}, {Name: "participant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_read_message_id", "last_read_at",
			"ahead_after_message_id", "ahead_after_at",
			"ahead_through_message_id", "ahead_through_at",
			"updated_at",
		}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("save read state failed: %w", err)
	}
	return nil
}

// --- Eviction ---

func (s *Store) FindEvictableConversationIDs(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("last_activity_at < ?", cutoff.UTC()).
		Order("last_activity_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, s.classify(ctx, "find_evictable", err)
	}
	return ids, nil
}

// DeleteConversations hard-deletes conversations with their messages and read
// state. Children are removed explicitly so the result does not depend on the
// dialect enforcing ON DELETE CASCADE.
func (s *Store) DeleteConversations(ctx context.Context, conversationIDs []uuid.UUID) error {
	if len(conversationIDs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id IN ?", conversationIDs).Delete(&model.ReadState{}).Error; err != nil {
			return fmt.Errorf("failed to delete read states: %w", err)
		}
		if err := tx.Where("conversation_id IN ?", conversationIDs).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := tx.Where("id IN ?", conversationIDs).Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversations: %w", err)
		}
		return nil
	})
	return s.classify(ctx, "delete_conversations", err)
}

func newMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}
