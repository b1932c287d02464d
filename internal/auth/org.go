package auth

import "strings"

// NormalizeOrgID canonicalizes an organization identifier. Org ids are
// case-insensitive; case variants and stray whitespace must collapse to
// one value so the same org never yields two rooms.
func NormalizeOrgID(rawOrgID string) string {
	return strings.ToLower(strings.TrimSpace(rawOrgID))
}

// OrgIDsMatch reports whether two org identifiers refer to the same
// organization after normalization.
func OrgIDsMatch(first, second string) bool {
	normalized := NormalizeOrgID(first)
	return normalized != "" && normalized == NormalizeOrgID(second)
}

// ResolveRoomID derives the canonical room id for a tournament inside an
// organization. The derivation is deterministic over normalized inputs, so
// case variants of either id resolve to the same room.
func ResolveRoomID(tournamentID, orgID string) string {
	return NormalizeOrgID(orgID) + "/" + strings.ToLower(strings.TrimSpace(tournamentID))
}
