package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"inbox-service/internal/access"
	"inbox-service/internal/config"
	"inbox-service/internal/model"
	"inbox-service/internal/proxy"
	registrystore "inbox-service/internal/registry/store"
	"inbox-service/internal/security"
)

// SendRequest is a message submitted by a principal. Exactly one of
// ConversationID or Pair addresses the conversation.
type SendRequest struct {
	ConversationID *uuid.UUID
	Pair           *registrystore.Pair
	Body           string
	AttachmentURL  *string
	AttachmentName *string
	IdempotencyKey *string
}

// ParseConversationRef interprets a path segment as either a conversation id or
// a pair key. Anything that is neither is reported as an unknown conversation.
func ParseConversationRef(ref string) (*uuid.UUID, *registrystore.Pair, error) {
	if registrystore.IsPairKey(ref) {
		pair, err := registrystore.ParsePairKey(ref)
		if err != nil {
			return nil, nil, err
		}
		return nil, &pair, nil
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, nil, &registrystore.NotFoundError{Resource: "conversation", ID: ref}
	}
	return &id, nil, nil
}

// Ingest validates and appends messages.
type Ingest struct {
	store  registrystore.ConversationStore
	access *access.Evaluator
	cfg    *config.Config
}

func NewIngest(store registrystore.ConversationStore, evaluator *access.Evaluator, cfg *config.Config) *Ingest {
	return &Ingest{store: store, access: evaluator, cfg: cfg}
}

// Send appends a message, creating the pair's conversation on first contact.
func (s *Ingest) Send(ctx context.Context, p model.Principal, req SendRequest) (*registrystore.AppendResult, error) {
	if !p.Role.Valid() || p.ID == "" {
		return nil, &registrystore.ForbiddenError{}
	}
	appendReq, err := s.validate(p, req)
	if err != nil {
		return nil, err
	}

	switch {
	case req.ConversationID != nil:
		if err := s.access.CanAccess(ctx, p, *req.ConversationID); err != nil {
			return nil, err
		}
	case req.Pair != nil:
		if !req.Pair.Includes(p) {
			return nil, &registrystore.ForbiddenError{}
		}
	default:
		return nil, &registrystore.ValidationError{Field: "conversationId", Message: "conversation id or pair key is required"}
	}

	result, err := s.store.AppendMessage(ctx, appendReq)
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		log.Debug("Idempotent replay", "conversationId", result.Conversation.ID, "messageId", result.Message.ID)
		return result, nil
	}
	security.RecordMessageSent(string(p.Role))
	log.Info("Message sent",
		"conversationId", result.Conversation.ID,
		"messageId", result.Message.ID,
		"senderRole", p.Role,
		"attachment", result.Message.HasAttachment(),
	)
	return result, nil
}

func (s *Ingest) validate(p model.Principal, req SendRequest) (registrystore.AppendMessageRequest, error) {
	out := registrystore.AppendMessageRequest{
		ConversationID: req.ConversationID,
		Pair:           req.Pair,
		Sender:         p,
		Body:           req.Body,
	}
	if strings.TrimSpace(out.Body) == "" {
		out.Body = ""
	}
	if n := utf8.RuneCountInString(out.Body); n > s.cfg.MessageMaxBodyLength {
		return out, &registrystore.ValidationError{
			Field:   "text",
			Message: fmt.Sprintf("text must be at most %d characters, got %d", s.cfg.MessageMaxBodyLength, n),
		}
	}
	if !utf8.ValidString(out.Body) {
		return out, &registrystore.ValidationError{Field: "text", Message: "text must be valid UTF-8"}
	}

	attachmentURL := trimmed(req.AttachmentURL)
	attachmentName := trimmed(req.AttachmentName)
	if attachmentURL != nil {
		if len(*attachmentURL) > s.cfg.MessageMaxAttachmentURL {
			return out, &registrystore.ValidationError{Field: "attachmentUrl", Message: fmt.Sprintf("attachmentUrl must be at most %d bytes", s.cfg.MessageMaxAttachmentURL)}
		}
		u, err := proxy.ValidateAttachmentURL(*attachmentURL, s.cfg.AllowedOrigins())
		if err != nil {
			return out, &registrystore.ValidationError{Field: "attachmentUrl", Message: validationMessage(err)}
		}
		normalized := u.String()
		attachmentURL = &normalized
	}
	if attachmentName != nil {
		if attachmentURL == nil {
			return out, &registrystore.ValidationError{Field: "attachmentName", Message: "attachmentName requires attachmentUrl"}
		}
		if utf8.RuneCountInString(*attachmentName) > s.cfg.MessageMaxAttachmentName {
			return out, &registrystore.ValidationError{Field: "attachmentName", Message: fmt.Sprintf("attachmentName must be at most %d characters", s.cfg.MessageMaxAttachmentName)}
		}
	}
	if out.Body == "" && attachmentURL == nil {
		return out, &registrystore.ValidationError{Field: "text", Message: "text or attachmentUrl is required"}
	}
	out.AttachmentURL = attachmentURL
	out.AttachmentName = attachmentName

	if req.IdempotencyKey != nil {
		key, err := uuid.Parse(strings.TrimSpace(*req.IdempotencyKey))
		if err != nil {
			return out, &registrystore.ValidationError{Field: "Idempotency-Key", Message: "Idempotency-Key must be a UUID"}
		}
		canonical := key.String()
		out.IdempotencyKey = &canonical
	}
	return out, nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(*v)
	if s == "" {
		return nil
	}
	return &s
}

func validationMessage(err error) string {
	var v *registrystore.ValidationError
	if errors.As(err, &v) {
		return strings.Replace(v.Message, "url", "attachmentUrl", 1)
	}
	return err.Error()
}
