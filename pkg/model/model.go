// Package model defines the typed records shared by the lookup engine:
// credentials, proxies, lookup items and results, and batches.
package model

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// ProxyType is the transport a proxy speaks.
type ProxyType string

const (
	ProxyHTTP   ProxyType = "http"
	ProxySOCKS4 ProxyType = "socks4"
	ProxySOCKS5 ProxyType = "socks5"
)

// IsValid reports whether t is a known proxy type.
func (t ProxyType) IsValid() bool {
	switch t {
	case ProxyHTTP, ProxySOCKS4, ProxySOCKS5:
		return true
	}
	return false
}

// Proxy is an outbound proxy a credential may be bound to.
type Proxy struct {
	ID          int64     `json:"id"`
	Type        ProxyType `json:"type"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username,omitempty"`
	Password    string    `json:"-"`
	IsActive    bool      `json:"is_active"`
	LastChecked time.Time `json:"last_checked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Addr returns host:port.
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy as a URL including credentials when present.
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: string(p.Type), Host: p.Addr()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// String is safe for logs: it never includes the password.
func (p Proxy) String() string {
	return fmt.Sprintf("%s://%s", p.Type, p.Addr())
}

// Credential is durable authorization material for one remote account.
type Credential struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	APIID     string    `json:"api_id"`
	APIHash   string    `json:"-"`
	Session   string    `json:"-"`
	ProxyID   *int64    `json:"proxy_id,omitempty"`
	Proxy     *Proxy    `json:"proxy,omitempty"`
	IsActive  bool      `json:"is_active"`
	LastUsed  time.Time `json:"last_used"`
	CreatedAt time.Time `json:"created_at"`
}

// HasProxy reports whether the credential is bound to a proxy.
func (c Credential) HasProxy() bool {
	return c.ProxyID != nil
}

// LookupItem is one normalized input record.
type LookupItem struct {
	// Identifier is the canonical form, empty when Valid is false.
	Identifier string
	// Raw is the identifier cell as it appeared in the input.
	Raw   string
	Label string
	// Row is the index of the source row in the input table.
	Row   int
	Valid bool
}

// Key returns the identifier used for result matching. Invalid items fall
// back to their raw text so that they still produce a distinct result row.
func (i LookupItem) Key() string {
	if i.Valid {
		return i.Identifier
	}
	return i.Raw
}

// LookupResult is the outcome of processing one LookupItem.
type LookupResult struct {
	ID         int64     `json:"id,omitempty"`
	Identifier string    `json:"identifier"`
	Label      string    `json:"label"`
	Found      bool      `json:"found"`
	RemoteID   *int64    `json:"remote_id,omitempty"`
	Handle     *string   `json:"handle,omitempty"`
	OwnerID    int64     `json:"owner_id"`
	BatchID    int64     `json:"batch_id"`
	CheckedAt  time.Time `json:"checked_at"`
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

func (s BatchStatus) String() string { return string(s) }

// IsValid reports whether s is a known status.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchCompleted, BatchFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed or failed.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// Batch is one submitted bulk-lookup job and its aggregate counters.
type Batch struct {
	ID            int64       `json:"id"`
	OwnerID       int64       `json:"owner_id"`
	SourceName    string      `json:"source_name"`
	ResultName    string      `json:"result_name,omitempty"`
	Total         int         `json:"total"`
	Processed     int         `json:"processed"`
	Found         int         `json:"found"`
	Status        BatchStatus `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
}

// Outstanding returns the number of items that were never processed.
func (b Batch) Outstanding() int {
	return b.Total - b.Processed
}

// CredentialStats summarizes the credential table.
type CredentialStats struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Inactive     int `json:"inactive"`
	WithProxy    int `json:"with_proxy"`
	WithoutProxy int `json:"without_proxy"`
}

// ProxyStats summarizes the proxy table.
type ProxyStats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
}
