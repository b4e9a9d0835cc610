package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew          = "session.service.new"
	opGetSession          = "session.get_session"
	opUpsertParticipant   = "session.upsert_participant"
	opMarkParticipantLeft = "session.mark_participant_left"
	opCreateChatMessage   = "session.create_chat_message"
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code in op.reason form.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for persisted records.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig describes the dependencies for the session metadata service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service exposes the session-metadata collaborator surface consumed by the
// gateway: existence checks, participant bookkeeping, and chat persistence.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// GetSession returns the session metadata or ErrSessionNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID SessionID) (Session, error) {
	var record Session
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		s.logger.Error("session lookup failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		return Session{}, newServiceError(opGetSession, "query_failed", err)
	}
	return record, nil
}

// UpsertParticipant records a join, clearing any previous left_at marker.
func (s *Service) UpsertParticipant(ctx context.Context, sessionID SessionID, userID UserID, role string) error {
	if role == "" {
		role = "editor"
	}
	now := s.clock().UTC().Unix()
	record := Participant{
		SessionID:       sessionID.String(),
		UserID:          userID.String(),
		Role:            role,
		JoinedAtSeconds: now,
		LeftAtSeconds:   nil,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"joined_at_s": now, "left_at_s": nil, "role": role}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("participant upsert failed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return newServiceError(opUpsertParticipant, "upsert_failed", err)
	}
	return nil
}

// MarkParticipantLeft stamps left_at for the participant.
func (s *Service) MarkParticipantLeft(ctx context.Context, sessionID SessionID, userID UserID) error {
	now := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("session_id = ? AND user_id = ?", sessionID.String(), userID.String()).
		Update("left_at_s", now).Error
	if err != nil {
		s.logger.Error("participant leave update failed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return newServiceError(opMarkParticipantLeft, "update_failed", err)
	}
	return nil
}

// CreateChatMessage persists a chat line and returns it with the
// server-assigned identifier and timestamp.
func (s *Service) CreateChatMessage(ctx context.Context, sessionID SessionID, userID UserID, userName, body string) (ChatMessage, error) {
	messageID, err := s.idProvider.NewID()
	if err != nil {
		return ChatMessage{}, newServiceError(opCreateChatMessage, "id_generation_failed", err)
	}
	record := ChatMessage{
		MessageID:     messageID,
		SessionID:     sessionID.String(),
		UserID:        userID.String(),
		UserName:      userName,
		Body:          body,
		SentAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logger.Error("chat message insert failed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return ChatMessage{}, newServiceError(opCreateChatMessage, "insert_failed", err)
	}
	return record, nil
}
