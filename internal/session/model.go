package session

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("session: invalid session id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("session: invalid user id")
	// ErrSessionNotFound indicates that no session exists for the requested identifier.
	ErrSessionNotFound = errors.New("session: not found")
)

// SessionID represents a validated session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Visibility enumerates session visibility levels.
type Visibility string

const (
	// VisibilityPublic marks a session discoverable by anyone.
	VisibilityPublic Visibility = "public"
	// VisibilityPrivate marks a session reachable only by invitation.
	VisibilityPrivate Visibility = "private"
)

// Session models the persisted session metadata. The synchronization core
// only reads its existence; creation belongs to the metadata API.
type Session struct {
	SessionID        string `gorm:"column:session_id;primaryKey;size:190;not null"`
	Language         string `gorm:"column:language;size:64;not null;default:''"`
	Visibility       string `gorm:"column:visibility;size:16;not null;default:'private'"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "sessions"
}

// Participant records a user's membership in a session. A null left_at_s
// marks the participant as currently active.
type Participant struct {
	SessionID       string `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role            string `gorm:"column:role;size:32;not null;default:'editor'"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
	LeftAtSeconds   *int64 `gorm:"column:left_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "session_participants"
}

// ChatMessage stores a relayed chat line. The gateway persists and relays
// these but never interprets their contents.
type ChatMessage struct {
	MessageID     string `gorm:"column:message_id;primaryKey;size:190;not null"`
	SessionID     string `gorm:"column:session_id;size:190;not null;index:idx_chat_session_time,priority:1"`
	UserID        string `gorm:"column:user_id;size:190;not null"`
	UserName      string `gorm:"column:user_name;size:190;not null;default:''"`
	Body          string `gorm:"column:body;type:text;not null"`
	SentAtSeconds int64  `gorm:"column:sent_at_s;not null;index:idx_chat_session_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessage) TableName() string {
	return "session_chat_messages"
}
