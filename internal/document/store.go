package document

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

const (
	opStoreNew  = "document.store.new"
	opStoreSave = "document.store.save"
	opStoreLoad = "document.store.load"
)

// StoreError carries a stable machine-readable code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable error code in op.reason form.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies for the persistence adapter.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the persistence adapter for durable document snapshots. Both
// representations are written in a single upsert so readers never observe a
// binary snapshot without its matching text fallback.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Save durably writes both snapshot representations for the session.
func (s *Store) Save(ctx context.Context, sessionID string, binarySnapshot []byte, textSnapshot string) error {
	encoded := base64.StdEncoding.EncodeToString(binarySnapshot)
	record := DocumentRecord{
		SessionID:         sessionID,
		BinarySnapshotB64: &encoded,
		TextSnapshot:      &textSnapshot,
		UpdatedAtSeconds:  s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("document save failed", zap.String("session_id", sessionID), zap.Error(err))
		return newStoreError(opStoreSave, "upsert_failed", err)
	}
	return nil
}

// Load returns the stored record for the session, or nil when the session
// has never been persisted.
func (s *Store) Load(ctx context.Context, sessionID string) (*DocumentRecord, error) {
	var record DocumentRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.Error("document load failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, newStoreError(opStoreLoad, "query_failed", err)
	}
	return &record, nil
}
