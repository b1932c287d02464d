package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingRoomSigningKey = errors.New("room token verifier: signing key required")
	ErrMalformedRoomToken    = errors.New("room token verifier: malformed token")
	ErrInvalidRoomToken      = errors.New("room token verifier: invalid token")
	ErrExpiredRoomToken      = errors.New("room token verifier: token expired")
	ErrMissingRoomClaims     = errors.New("room token verifier: org and tournament claims required")
)

const (
	minRoomTokenLength = 10
	maxRoomTokenLength = 500
	roomTokenSegments  = 3
)

// RoomClaims carries the room access grant decoded from a room token.
type RoomClaims struct {
	OrgID        string `json:"org_id"`
	TournamentID string `json:"tournament_id"`
	jwt.RegisteredClaims
}

// CheckRoomTokenFormat runs the cheap structural checks on a raw room
// token: length bounds and the three dot-separated JWT segments. It is
// meant to run before any signature verification so malformed tokens are
// rejected at near-zero cost.
func CheckRoomTokenFormat(rawToken string) error {
	trimmed := strings.TrimSpace(rawToken)
	if len(trimmed) < minRoomTokenLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrMalformedRoomToken, minRoomTokenLength)
	}
	if len(trimmed) > maxRoomTokenLength {
		return fmt.Errorf("%w: longer than %d characters", ErrMalformedRoomToken, maxRoomTokenLength)
	}
	if segments := strings.Count(trimmed, ".") + 1; segments != roomTokenSegments {
		return fmt.Errorf("%w: %d segments", ErrMalformedRoomToken, segments)
	}
	return nil
}

// RoomTokenVerifierConfig describes how to validate room-access JWTs.
type RoomTokenVerifierConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// RoomTokenVerifier validates HS256 room-access tokens and extracts the
// org/tournament grant.
type RoomTokenVerifier struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewRoomTokenVerifier constructs a verifier with the provided
// configuration.
func NewRoomTokenVerifier(cfg RoomTokenVerifierConfig) (*RoomTokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingRoomSigningKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RoomTokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}, nil
}

// Verify validates the room token signature and claims. Callers are
// expected to have run CheckRoomTokenFormat first.
func (v *RoomTokenVerifier) Verify(rawToken string) (RoomClaims, error) {
	claims := &RoomClaims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(rawToken),
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidRoomToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return RoomClaims{}, ErrExpiredRoomToken
		}
		return RoomClaims{}, fmt.Errorf("%w: %v", ErrInvalidRoomToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return RoomClaims{}, ErrInvalidRoomToken
	}
	if strings.TrimSpace(claims.OrgID) == "" || strings.TrimSpace(claims.TournamentID) == "" {
		return RoomClaims{}, ErrMissingRoomClaims
	}
	return *claims, nil
}
