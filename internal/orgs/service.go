package orgs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bracketlab/livesync/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidOrgID indicates an empty organization identifier.
var ErrInvalidOrgID = errors.New("orgs: invalid org id")

const bannedUserSeparator = ","

// ServiceConfig describes the dependencies required for policy lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages per-organization access policy with a read-through
// cache. Lookups happen on every room attach, so misses must stay cheap.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the policy service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("orgs: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Policy returns the stored policy for an organization. Orgs without a
// stored record get the permissive zero policy.
func (s *Service) Policy(ctx context.Context, orgID string) (Policy, error) {
	normalized := auth.NormalizeOrgID(orgID)
	if normalized == "" {
		return Policy{}, ErrInvalidOrgID
	}

	if cached, found := s.cache.Load(normalized); found {
		if policy, ok := cached.(Policy); ok {
			return policy, nil
		}
	}

	var record PolicyRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ?", normalized).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		policy := Policy{OrgID: normalized}
		s.cache.Store(normalized, policy)
		return policy, nil
	}
	if err != nil {
		return Policy{}, err
	}

	policy := decodePolicy(record)
	s.cache.Store(normalized, policy)
	return policy, nil
}

// BanUser adds a user to the organization's ban list and invalidates the
// cache entry.
func (s *Service) BanUser(ctx context.Context, orgID, userID string) error {
	normalized := auth.NormalizeOrgID(orgID)
	if normalized == "" {
		return ErrInvalidOrgID
	}
	user := normalize(userID)
	if user == "" {
		return fmt.Errorf("orgs: user id required")
	}

	var record PolicyRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ?", normalized).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = PolicyRecord{OrgID: normalized, BannedUserIDs: user}
		if createErr := s.db.WithContext(ctx).Create(&record).Error; createErr != nil {
			return createErr
		}
		s.cache.Delete(normalized)
		return nil
	}
	if err != nil {
		return err
	}

	banned := decodeBannedUsers(record.BannedUserIDs)
	banned[user] = struct{}{}
	record.BannedUserIDs = encodeBannedUsers(banned)
	if saveErr := s.db.WithContext(ctx).Save(&record).Error; saveErr != nil {
		return saveErr
	}
	s.cache.Delete(normalized)
	return nil
}

// UnbanUser removes a user from the organization's ban list.
func (s *Service) UnbanUser(ctx context.Context, orgID, userID string) error {
	normalized := auth.NormalizeOrgID(orgID)
	if normalized == "" {
		return ErrInvalidOrgID
	}

	var record PolicyRecord
	err := s.db.WithContext(ctx).
		Where("org_id = ?", normalized).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	banned := decodeBannedUsers(record.BannedUserIDs)
	delete(banned, normalize(userID))
	record.BannedUserIDs = encodeBannedUsers(banned)
	if saveErr := s.db.WithContext(ctx).Save(&record).Error; saveErr != nil {
		return saveErr
	}
	s.cache.Delete(normalized)
	return nil
}

func decodePolicy(record PolicyRecord) Policy {
	return Policy{
		OrgID:                   record.OrgID,
		BannedUserIDs:           decodeBannedUsers(record.BannedUserIDs),
		MaxRoomsOverride:        record.MaxRoomsOverride,
		MaxConnsPerRoomOverride: record.MaxConnsPerRoomOverride,
	}
}

func decodeBannedUsers(encoded string) map[string]struct{} {
	banned := make(map[string]struct{})
	for _, entry := range strings.Split(encoded, bannedUserSeparator) {
		if trimmed := normalize(entry); trimmed != "" {
			banned[trimmed] = struct{}{}
		}
	}
	return banned
}

func encodeBannedUsers(banned map[string]struct{}) string {
	entries := make([]string, 0, len(banned))
	for entry := range banned {
		entries = append(entries, entry)
	}
	sort.Strings(entries)
	return strings.Join(entries, bannedUserSeparator)
}
