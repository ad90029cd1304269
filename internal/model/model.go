package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of a conversation a principal is on.
type Role string

const (
	RoleUser     Role = "user"
	RoleBusiness Role = "business"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBusiness
}

// Principal is an authenticated caller as resolved by the identity gate.
type Principal struct {
	ID   string
	Role Role
}

// Conversation is the durable thread between exactly one user and one business.
// The (user_id, business_id) pair is unique.
type Conversation struct {
	ID                  uuid.UUID `json:"id"             gorm:"primaryKey;type:uuid"`
	UserID              string    `json:"userId"         gorm:"not null"`
	BusinessID          string    `json:"businessId"     gorm:"not null"`
	UserUnreadCount     int64     `json:"-"              gorm:"not null;default:0"`
	BusinessUnreadCount int64     `json:"-"              gorm:"not null;default:0"`
	LastActivityAt      time.Time `json:"lastActivityAt" gorm:"not null"`
	CreatedAt           time.Time `json:"createdAt"      gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether p is the user or the business of this conversation.
func (c *Conversation) HasParticipant(p Principal) bool {
	switch p.Role {
	case RoleUser:
		return p.ID == c.UserID
	case RoleBusiness:
		return p.ID == c.BusinessID
	default:
		return false
	}
}

// UnreadFor returns the unread counter belonging to p.
func (c *Conversation) UnreadFor(p Principal) int64 {
	if p.Role == RoleBusiness {
		return c.BusinessUnreadCount
	}
	return c.UserUnreadCount
}

// Counterpart returns the id of the other participant.
func (c *Conversation) Counterpart(p Principal) string {
	if p.Role == RoleBusiness {
		return c.UserID
	}
	return c.BusinessID
}

// UnreadColumn returns the counter column owned by the given role.
func UnreadColumn(role Role) string {
	if role == RoleBusiness {
		return "business_unread_count"
	}
	return "user_unread_count"
}

// Message is an immutable entry in a conversation, ordered by (created_at, id).
type Message struct {
	ID             uuid.UUID `json:"id"                       gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID `json:"conversationId"           gorm:"not null;type:uuid"`
	SenderID       string    `json:"senderId"                 gorm:"not null"`
	SenderRole     Role      `json:"senderRole"               gorm:"not null"`
	Body           string    `json:"body"                     gorm:"not null"`
	AttachmentURL  *string   `json:"attachmentUrl,omitempty"`
	AttachmentName *string   `json:"attachmentName,omitempty"`
	IdempotencyKey *string   `json:"-"`
	CreatedAt      time.Time `json:"createdAt"                gorm:"not null"`
}

func (Message) TableName() string { return "messages" }

// HasAttachment reports whether the message references an attachment URL.
func (m *Message) HasAttachment() bool {
	return m.AttachmentURL != nil && *m.AttachmentURL != ""
}

// ReadState tracks how far a participant has read. It only moves forward.
// The Ahead fields hold one page range (AheadAfter, AheadThrough] served
// beyond the read position whose messages were already subtracted from the
// unread count.
type ReadState struct {
	ConversationID        uuid.UUID  `json:"conversationId"              gorm:"primaryKey;type:uuid"`
	ParticipantID         string     `json:"participantId"               gorm:"primaryKey"`
	LastReadMessageID     *uuid.UUID `json:"lastReadMessageId,omitempty" gorm:"type:uuid"`
	LastReadAt            *time.Time `json:"lastReadAt,omitempty"`
	AheadAfterMessageID   *uuid.UUID `json:"-"                           gorm:"type:uuid"`
	AheadAfterAt          *time.Time `json:"-"`
	AheadThroughMessageID *uuid.UUID `json:"-"                           gorm:"type:uuid"`
	AheadThroughAt        *time.Time `json:"-"`
	UpdatedAt             time.Time  `json:"updatedAt"                   gorm:"not null"`
}

func (ReadState) TableName() string { return "read_states" }
