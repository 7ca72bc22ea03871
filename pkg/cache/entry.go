package cache

import (
	"time"

	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// CacheEntry represents a cached lookup answer.
type CacheEntry struct {
	// Found is whether the identifier belongs to a remote account
	Found bool `json:"found"`

	// RemoteID is the account id when found
	RemoteID *int64 `json:"remote_id,omitempty"`

	// Handle is the public account handle when found
	Handle *string `json:"handle,omitempty"`

	// Expires is when the cache entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this answer
	CachedAt time.Time `json:"cached_at"`
}

// NewEntry builds an entry for m that expires after ttl.
func NewEntry(m remote.Match, ttl time.Duration) *CacheEntry {
	now := time.Now()
	return &CacheEntry{
		Found:    m.Found,
		RemoteID: m.RemoteID,
		Handle:   m.Handle,
		Expires:  now.Add(ttl),
		CachedAt: now,
	}
}

// Match converts the entry back to a lookup answer.
func (e *CacheEntry) Match() remote.Match {
	return remote.Match{
		Found:    e.Found,
		RemoteID: e.RemoteID,
		Handle:   e.Handle,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
