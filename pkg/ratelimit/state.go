// Package ratelimit paces remote lookups per connection, reacts to the
// remote service's cooldown requests and shares per-credential cooldowns
// across processes through Redis.
package ratelimit

import (
	"strconv"
	"time"
)

// RedisKeyCooldownPrefix prefixes the per-credential cooldown keys.
const RedisKeyCooldownPrefix = "lookup:cooldown:"

// CooldownKey returns the Redis key holding the cooldown of a credential.
func CooldownKey(credentialID int64) string {
	return RedisKeyCooldownPrefix + strconv.FormatInt(credentialID, 10)
}

// CooldownState is the cooldown the remote service imposed on one credential.
// It is shared across all processes via Redis and expires with the cooldown.
type CooldownState struct {
	// CredentialID identifies the throttled credential.
	CredentialID int64 `json:"credential_id"`

	// Wait is the cooldown the remote service asked for.
	Wait time.Duration `json:"wait"`

	// Until is when lookups through the credential may resume.
	Until time.Time `json:"until"`

	// RecordedAt is when the cooldown was observed.
	RecordedAt time.Time `json:"recorded_at"`
}

// IsActive returns true while the cooldown has not elapsed.
func (s *CooldownState) IsActive() bool {
	return s != nil && time.Now().Before(s.Until)
}

// Remaining returns the time left until the cooldown ends.
// Returns 0 if the cooldown has already passed.
func (s *CooldownState) Remaining() time.Duration {
	if s == nil {
		return 0
	}
	d := time.Until(s.Until)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state was recorded longer ago than maxAge.
func (s *CooldownState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.RecordedAt) > maxAge
}
