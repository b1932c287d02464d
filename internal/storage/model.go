package storage

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocID = errors.New("storage: invalid document id")
	// ErrEmptySnapshot indicates that a snapshot payload is empty.
	ErrEmptySnapshot = errors.New("storage: empty snapshot")
)

// SnapshotRecord stores the latest encoded snapshot per document. Version
// counts stored writes for drift diagnostics; it plays no part in merge
// logic.
type SnapshotRecord struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	Snapshot         []byte `gorm:"column:snapshot;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "document_snapshots"
}

func validateDocID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocID, maxIdentifierLength)
	}
	return trimmed, nil
}
