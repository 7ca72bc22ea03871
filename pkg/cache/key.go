package cache

import (
	"strings"
)

// KeyPrefix prefixes every cache key.
const KeyPrefix = "lookup:result"

// CacheKey represents a unique identifier for a cached lookup answer.
type CacheKey struct {
	// Identifier is the normalized identifier (e.g., "+79991234567").
	Identifier string

	// Namespace separates answers of different remote services. Empty for
	// the default service.
	Namespace string
}

// String generates a deterministic cache key string.
// Format: lookup:result[:namespace]:identifier
//
// Example:
//
//	lookup:result:+79991234567
func (k CacheKey) String() string {
	parts := []string{KeyPrefix}
	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	parts = append(parts, strings.TrimSpace(k.Identifier))
	return strings.Join(parts, ":")
}
