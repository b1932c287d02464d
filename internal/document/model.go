package document

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("document: invalid entity id")
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("document: invalid update")
	// ErrInvalidSnapshot indicates that a snapshot payload could not be decoded.
	ErrInvalidSnapshot = errors.New("document: invalid snapshot")
	// ErrUnknownEntity indicates a lookup for an entity id with no stored record.
	ErrUnknownEntity = errors.New("document: unknown entity")
)

// DocID represents a validated document identifier.
type DocID string

// NewDocID validates raw input and returns a DocID.
func NewDocID(rawInput string) (DocID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocID) String() string {
	return string(id)
}

// Tag is the logical clock attached to every written value. Tags are
// compared by counter first, then by the writing client id, which makes the
// ordering total: two distinct writes never compare equal.
type Tag struct {
	Counter  uint64
	ClientID string
}

// Less reports whether t is ordered before other.
func (t Tag) Less(other Tag) bool {
	if t.Counter != other.Counter {
		return t.Counter < other.Counter
	}
	return t.ClientID < other.ClientID
}

// PlayerRecord is the replicated state for one tournament player. Records
// replace wholesale on update; there is no per-field merge inside a record.
type PlayerRecord struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	ChipCount int64  `json:"chipCount"`
	Seed      int    `json:"seed"`
	CheckedIn bool   `json:"checkedIn"`
	TableID   string `json:"tableId,omitempty"`
}

// MatchRecord is the replicated state for one match. Rev is a monotonic
// update counter for optimistic-UI consumers; after a concurrent merge it
// is the maximum either side saw, not the total number of updates.
type MatchRecord struct {
	Round     int      `json:"round"`
	Status    string   `json:"status"`
	PlayerIDs []string `json:"playerIds"`
	Scores    []int    `json:"scores,omitempty"`
	WinnerID  string   `json:"winnerId,omitempty"`
	TableID   string   `json:"tableId,omitempty"`
	Rev       int64    `json:"rev"`
}

// TableRecord is the replicated state for one physical table.
type TableRecord struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	MatchID string `json:"matchId,omitempty"`
}

func validateEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}
