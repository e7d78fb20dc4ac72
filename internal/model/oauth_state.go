package model

import (
	"errors"
	"time"
)

// OAuthStateTTL is how long a pending OAuth handshake stays valid.
const OAuthStateTTL = 15 * time.Minute

var (
	// ErrOAuthStateNotFound is returned for unknown or already consumed states.
	ErrOAuthStateNotFound = errors.New("oauth state not found")

	// ErrOAuthStateExpired is returned when a state outlived OAuthStateTTL.
	ErrOAuthStateExpired = errors.New("oauth state expired")
)

// OAuthState binds a pending OAuth handshake to a user, the page to send
// them back to, and the desired backfill start.
type OAuthState struct {
	State       string     `json:"state"`
	UserID      string     `json:"user_id"`
	Provider    Provider   `json:"provider"`
	RedirectTo  string     `json:"redirect_to"`
	SyncStartAt *time.Time `json:"sync_start_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the state is past its TTL at now.
func (s *OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
