package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadSnapshot   = "storage.load_snapshot"
	opSaveSnapshot   = "storage.save_snapshot"
	opDeleteSnapshot = "storage.delete_snapshot"
	opSnapshotStats  = "storage.snapshot_stats"

	fieldDocID = "doc_id"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDeleteFailed    = "delete_failed"
)

var errMissingDatabase = errors.New("storage: database connection required")

// StoreConfig describes the dependencies required for snapshot persistence.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable local snapshot store, keyed by document id.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs the snapshot store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
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

// Load returns the stored snapshot for a document, or found=false when no
// snapshot exists.
func (s *Store) Load(ctx context.Context, docID string) (SnapshotRecord, bool, error) {
	id, err := validateDocID(docID)
	if err != nil {
		return SnapshotRecord{}, false, err
	}

	var record SnapshotRecord
	queryErr := s.db.WithContext(ctx).
		Where(fieldDocID+" = ?", id).
		Take(&record).Error
	if errors.Is(queryErr, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, false, nil
	}
	if queryErr != nil {
		s.logger.Error("snapshot load failed",
			zap.String("op", opLoadSnapshot),
			zap.String("reason", reasonQueryFailed),
			zap.String(fieldDocID, id),
			zap.Error(queryErr))
		return SnapshotRecord{}, false, fmt.Errorf("%s: %s: %w", opLoadSnapshot, reasonQueryFailed, queryErr)
	}
	return record, true, nil
}

// Save upserts the snapshot for a document, incrementing the stored
// version counter, and returns the new version.
func (s *Store) Save(ctx context.Context, docID string, snapshot []byte) (int64, error) {
	id, err := validateDocID(docID)
	if err != nil {
		return 0, err
	}
	if len(snapshot) == 0 {
		return 0, ErrEmptySnapshot
	}

	var version int64
	transactionErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing SnapshotRecord
		queryErr := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(fieldDocID+" = ?", id).
			Take(&existing).Error
		if queryErr != nil && !errors.Is(queryErr, gorm.ErrRecordNotFound) {
			return queryErr
		}

		version = existing.Version + 1
		record := SnapshotRecord{
			DocID:            id,
			Snapshot:         snapshot,
			Version:          version,
			UpdatedAtSeconds: s.clock().UTC().Unix(),
		}
		if errors.Is(queryErr, gorm.ErrRecordNotFound) {
			return transaction.Create(&record).Error
		}
		return transaction.Save(&record).Error
	})
	if transactionErr != nil {
		s.logger.Error("snapshot save failed",
			zap.String("op", opSaveSnapshot),
			zap.String("reason", reasonUpsertFailed),
			zap.String(fieldDocID, id),
			zap.Error(transactionErr))
		return 0, fmt.Errorf("%s: %s: %w", opSaveSnapshot, reasonUpsertFailed, transactionErr)
	}
	return version, nil
}

// Delete removes the stored snapshot for a document. Deleting an absent
// document is not an error.
func (s *Store) Delete(ctx context.Context, docID string) error {
	id, err := validateDocID(docID)
	if err != nil {
		return err
	}
	deleteErr := s.db.WithContext(ctx).
		Where(fieldDocID+" = ?", id).
		Delete(&SnapshotRecord{}).Error
	if deleteErr != nil {
		s.logger.Error("snapshot delete failed",
			zap.String("op", opDeleteSnapshot),
			zap.String("reason", reasonDeleteFailed),
			zap.String(fieldDocID, id),
			zap.Error(deleteErr))
		return fmt.Errorf("%s: %s: %w", opDeleteSnapshot, reasonDeleteFailed, deleteErr)
	}
	return nil
}

// Stats summarizes stored snapshot sizes for quota and ops dashboards.
type Stats struct {
	DocumentCount int
	TotalBytes    int64
	BytesByDoc    map[string]int64
}

// Stats returns the total and per-document storage footprint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var records []SnapshotRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		s.logger.Error("snapshot stats failed",
			zap.String("op", opSnapshotStats),
			zap.String("reason", reasonQueryFailed),
			zap.Error(err))
		return Stats{}, fmt.Errorf("%s: %s: %w", opSnapshotStats, reasonQueryFailed, err)
	}

	stats := Stats{BytesByDoc: make(map[string]int64, len(records))}
	for _, record := range records {
		size := int64(len(record.Snapshot))
		stats.DocumentCount++
		stats.TotalBytes += size
		stats.BytesByDoc[record.DocID] = size
	}
	return stats, nil
}
