package store

import (
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// Position is a point in the (created_at, id) total order of a conversation.
type Position struct {
	At time.Time
	ID uuid.UUID
}

// After reports whether p sorts strictly after o.
func (p Position) After(o Position) bool {
	if !p.At.Equal(o.At) {
		return p.At.After(o.At)
	}
	return p.ID.String() > o.ID.String()
}

const cursorLen = 8 + 16

// EncodeCursor renders p as an opaque URL-safe token.
func EncodeCursor(p Position) string {
	buf := make([]byte, cursorLen)
	binary.BigEndian.PutUint64(buf[:8], uint64(p.At.UnixMicro()))
	copy(buf[8:], p.ID[:])
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, &InvalidCursorError{Reason: "malformed token"}
	}
	if len(raw) != cursorLen {
		return Position{}, &InvalidCursorError{Reason: "unexpected token length"}
	}
	micros := int64(binary.BigEndian.Uint64(raw[:8]))
	if micros <= 0 {
		return Position{}, &InvalidCursorError{Reason: "timestamp out of range"}
	}
	id, err := uuid.FromBytes(raw[8:])
	if err != nil || id == uuid.Nil {
		return Position{}, &InvalidCursorError{Reason: "missing message id"}
	}
	return Position{At: time.UnixMicro(micros).UTC(), ID: id}, nil
}

// ParseCursor decodes an optional token; an empty token means the start of the order.
func ParseCursor(token string) (*Position, error) {
	if token == "" {
		return nil, nil
	}
	p, err := DecodeCursor(token)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
