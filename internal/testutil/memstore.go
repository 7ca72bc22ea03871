package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// MemStore is an in-memory implementation of every pkg/store contract,
// enforcing the same invariants as the Postgres repositories.
type MemStore struct {
	mu sync.Mutex

	nextID      int64
	credentials map[int64]*model.Credential
	proxies     map[int64]*model.Proxy
	batches     map[int64]*model.Batch
	results     []model.LookupResult

	// Error injection
	IncrementErr  error
	BulkInsertErr error
	ListErr       error

	incrementCalls int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		credentials: make(map[int64]*model.Credential),
		proxies:     make(map[int64]*model.Proxy),
		batches:     make(map[int64]*model.Batch),
	}
}

// Credentials returns the credential view of the store.
func (s *MemStore) Credentials() store.CredentialStore { return memCredentials{s} }

// Proxies returns the proxy view of the store.
func (s *MemStore) Proxies() store.ProxyStore { return memProxies{s} }

// Batches returns the batch view of the store.
func (s *MemStore) Batches() store.BatchStore { return memBatches{s} }

// Results returns the result view of the store.
func (s *MemStore) Results() store.ResultStore { return memResults{s} }

// AddCredential inserts c as active and returns its ID.
func (s *MemStore) AddCredential(c model.Credential) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.ID = s.nextID
	c.IsActive = true
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.credentials[c.ID] = &c
	return c.ID
}

// AddProxy inserts p as active and returns its ID.
func (s *MemStore) AddProxy(p model.Proxy) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p.ID = s.nextID
	p.IsActive = true
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.proxies[p.ID] = &p
	return p.ID
}

// Credential returns a copy of the credential with id.
func (s *MemStore) Credential(id int64) model.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[id]; ok {
		return s.withProxy(*c)
	}
	return model.Credential{}
}

// Proxy returns a copy of the proxy with id.
func (s *MemStore) Proxy(id int64) model.Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proxies[id]; ok {
		return *p
	}
	return model.Proxy{}
}

// AllResults returns every persisted result.
func (s *MemStore) AllResults() []model.LookupResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LookupResult(nil), s.results...)
}

// IncrementCalls returns how often Increment was invoked.
func (s *MemStore) IncrementCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementCalls
}

func (s *MemStore) withProxy(c model.Credential) model.Credential {
	c.Proxy = nil
	if c.ProxyID != nil {
		if p, ok := s.proxies[*c.ProxyID]; ok {
			px := *p
			c.Proxy = &px
		}
	}
	return c
}

func (s *MemStore) sortedCredentials(keep func(*model.Credential) bool) []model.Credential {
	var out []model.Credential
	for _, c := range s.credentials {
		if keep(c) {
			out = append(out, s.withProxy(*c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsed.Equal(out[j].LastUsed) {
			return out[i].LastUsed.Before(out[j].LastUsed)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

type memCredentials struct{ s *MemStore }

func (m memCredentials) ListActive(ctx context.Context, limit int) ([]model.Credential, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.ListErr != nil {
		return nil, m.s.ListErr
	}
	out := m.s.sortedCredentials(func(c *model.Credential) bool { return c.IsActive })
	if limit < len(out) {
		out = out[:max(limit, 0)]
	}
	return out, nil
}

func (m memCredentials) ListWithoutProxy(ctx context.Context) ([]model.Credential, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.ListErr != nil {
		return nil, m.s.ListErr
	}
	return m.s.sortedCredentials(func(c *model.Credential) bool { return c.IsActive && c.ProxyID == nil }), nil
}

func (m memCredentials) MarkActive(ctx context.Context, id int64, active bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.credentials[id]
	if !ok {
		return store.ErrNotFound
	}
	c.IsActive = active
	return nil
}

func (m memCredentials) BindProxy(ctx context.Context, credentialID, proxyID int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.credentials[credentialID]
	if !ok {
		return store.ErrNotFound
	}
	if _, ok := m.s.proxies[proxyID]; !ok {
		return store.ErrNotFound
	}
	id := proxyID
	c.ProxyID = &id
	return nil
}

func (m memCredentials) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.credentials[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastUsed = at
	return nil
}

func (m memCredentials) Stats(ctx context.Context) (model.CredentialStats, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var st model.CredentialStats
	for _, c := range m.s.credentials {
		st.Total++
		if c.IsActive {
			st.Active++
		}
		if c.ProxyID != nil {
			st.WithProxy++
		}
	}
	st.Inactive = st.Total - st.Active
	st.WithoutProxy = st.Total - st.WithProxy
	return st, nil
}

type memProxies struct{ s *MemStore }

func (m memProxies) ListAvailable(ctx context.Context) ([]model.Proxy, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.ListErr != nil {
		return nil, m.s.ListErr
	}
	bound := make(map[int64]bool)
	for _, c := range m.s.credentials {
		if c.ProxyID != nil {
			bound[*c.ProxyID] = true
		}
	}
	var out []model.Proxy
	for _, p := range m.s.proxies {
		if p.IsActive && !bound[p.ID] {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memProxies) ListAll(ctx context.Context) ([]model.Proxy, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.ListErr != nil {
		return nil, m.s.ListErr
	}
	out := make([]model.Proxy, 0, len(m.s.proxies))
	for _, p := range m.s.proxies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memProxies) MarkActive(ctx context.Context, id int64, active bool, checkedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.proxies[id]
	if !ok {
		return store.ErrNotFound
	}
	p.IsActive = active
	p.LastChecked = checkedAt
	return nil
}

func (m memProxies) UpdateStatuses(ctx context.Context, statuses []store.ProxyStatus, checkedAt time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, st := range statuses {
		if p, ok := m.s.proxies[st.ID]; ok {
			p.IsActive = st.Active
			p.LastChecked = checkedAt
		}
	}
	return nil
}

func (m memProxies) Stats(ctx context.Context) (model.ProxyStats, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var st model.ProxyStats
	for _, p := range m.s.proxies {
		st.Total++
		if p.IsActive {
			st.Active++
		}
	}
	st.Inactive = st.Total - st.Active
	return st, nil
}

type memBatches struct{ s *MemStore }

func (m memBatches) Create(ctx context.Context, ownerID int64, sourceName string, total int) (model.Batch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.nextID++
	b := &model.Batch{
		ID:         m.s.nextID,
		OwnerID:    ownerID,
		SourceName: sourceName,
		Total:      total,
		Status:     model.BatchPending,
		CreatedAt:  time.Now(),
	}
	m.s.batches[b.ID] = b
	return *b, nil
}

func (m memBatches) Increment(ctx context.Context, id int64, found bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.incrementCalls++
	if m.s.IncrementErr != nil {
		return m.s.IncrementErr
	}
	b, ok := m.s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Processed >= b.Total {
		return fmt.Errorf("batch %d already fully processed: %w", id, store.ErrConflict)
	}
	b.Processed++
	if found {
		b.Found++
	}
	return nil
}

func (m memBatches) SetStatus(ctx context.Context, id int64, status model.BatchStatus, resultName, reason string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid batch status %q", status)
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b, ok := m.s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	if b.Status.IsTerminal() {
		return fmt.Errorf("batch %d is already terminal: %w", id, store.ErrConflict)
	}
	b.Status = status
	if resultName != "" {
		b.ResultName = resultName
	}
	if reason != "" {
		b.FailureReason = reason
	}
	if status.IsTerminal() {
		now := time.Now()
		b.CompletedAt = &now
	}
	return nil
}

func (m memBatches) Get(ctx context.Context, id int64) (model.Batch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b, ok := m.s.batches[id]
	if !ok {
		return model.Batch{}, store.ErrNotFound
	}
	return *b, nil
}

type memResults struct{ s *MemStore }

func (m memResults) BulkInsert(ctx context.Context, results []model.LookupResult) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.BulkInsertErr != nil {
		return 0, m.s.BulkInsertErr
	}
	for _, r := range results {
		m.s.nextID++
		r.ID = m.s.nextID
		m.s.results = append(m.s.results, r)
	}
	return int64(len(results)), nil
}

func (m memResults) GetByBatch(ctx context.Context, batchID int64) ([]model.LookupResult, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []model.LookupResult
	for _, r := range m.s.results {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	return out, nil
}
