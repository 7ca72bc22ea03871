// Package store declares the persistence contracts the lookup engine
// depends on. pkg/store/postgres provides the production implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/lookup-checker/pkg/model"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the write would violate a batch invariant, such as
	// counting past the total or leaving a terminal status.
	ErrConflict = errors.New("conflict")
)

// CredentialStore persists remote-account credentials.
type CredentialStore interface {
	// ListActive returns up to limit active credentials, least recently used
	// first, with their bound proxy populated.
	ListActive(ctx context.Context, limit int) ([]model.Credential, error)

	// ListWithoutProxy returns active credentials with no proxy bound,
	// least recently used first.
	ListWithoutProxy(ctx context.Context) ([]model.Credential, error)

	MarkActive(ctx context.Context, id int64, active bool) error
	BindProxy(ctx context.Context, credentialID, proxyID int64) error
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
	Stats(ctx context.Context) (model.CredentialStats, error)
}

// ProxyStatus is one entry of a bulk proxy health update.
type ProxyStatus struct {
	ID     int64
	Active bool
}

// ProxyStore persists outbound proxies.
type ProxyStore interface {
	// ListAvailable returns active proxies not bound to any credential,
	// most recently checked first.
	ListAvailable(ctx context.Context) ([]model.Proxy, error)

	ListAll(ctx context.Context) ([]model.Proxy, error)
	MarkActive(ctx context.Context, id int64, active bool, checkedAt time.Time) error

	// UpdateStatuses applies a health-check round in one transaction.
	UpdateStatuses(ctx context.Context, statuses []ProxyStatus, checkedAt time.Time) error

	Stats(ctx context.Context) (model.ProxyStats, error)
}

// BatchStore persists batch records and their counters.
type BatchStore interface {
	// Create inserts a pending batch.
	Create(ctx context.Context, ownerID int64, sourceName string, total int) (model.Batch, error)

	// Increment atomically adds one processed item, and one found item when
	// found is true. It returns ErrConflict once processed reached total.
	Increment(ctx context.Context, id int64, found bool) error

	// SetStatus moves the batch to status. Terminal statuses stamp
	// completed_at. A batch that is already terminal yields ErrConflict.
	// Empty resultName and reason leave the stored values unchanged.
	SetStatus(ctx context.Context, id int64, status model.BatchStatus, resultName, reason string) error

	Get(ctx context.Context, id int64) (model.Batch, error)
}

// ResultStore persists per-item lookup results.
type ResultStore interface {
	// BulkInsert writes all results in one round trip and returns the count.
	BulkInsert(ctx context.Context, results []model.LookupResult) (int64, error)

	// GetByBatch returns the results of a batch in insertion order.
	GetByBatch(ctx context.Context, batchID int64) ([]model.LookupResult, error)
}
