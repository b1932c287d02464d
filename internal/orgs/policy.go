package orgs

import (
	"strings"
	"time"
)

// PolicyRecord stores per-organization access policy: users barred from
// joining rooms and optional quota overrides. A zero override defers to
// the globally configured quota.
type PolicyRecord struct {
	OrgID                   string    `gorm:"column:org_id;primaryKey;size:190;not null"`
	BannedUserIDs           string    `gorm:"column:banned_user_ids;type:text;not null;default:''"`
	MaxRoomsOverride        int       `gorm:"column:max_rooms_override;not null;default:0"`
	MaxConnsPerRoomOverride int       `gorm:"column:max_conns_per_room_override;not null;default:0"`
	UpdatedAt               time.Time `gorm:"column:updated_at;autoUpdateTime"`
	CreatedAt               time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing org policies.
func (PolicyRecord) TableName() string {
	return "org_policies"
}

// Policy is the decoded, queryable form of a PolicyRecord.
type Policy struct {
	OrgID                   string
	BannedUserIDs           map[string]struct{}
	MaxRoomsOverride        int
	MaxConnsPerRoomOverride int
}

// IsBanned reports whether the user may not join rooms in this org.
func (p Policy) IsBanned(userID string) bool {
	if len(p.BannedUserIDs) == 0 {
		return false
	}
	_, banned := p.BannedUserIDs[normalize(userID)]
	return banned
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
