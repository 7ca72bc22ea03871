// Package testutil provides test doubles for the lookup engine: an HTTP
// mock of the lookup API, an in-memory store and a scripted remote service.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockAccount is a registered account the mock API reports as found.
type MockAccount struct {
	ID       int64
	Username string
}

// MockLookupAPI is a configurable mock of the HTTP lookup API.
type MockLookupAPI struct {
	server *httptest.Server

	mu         sync.RWMutex
	accounts   map[string]MockAccount
	sessions   map[string]int // token -> status for POST /v1/session
	rateLimits map[string][]int
	failures   map[string]int
	handlers   map[string]http.HandlerFunc
	delay      time.Duration

	// Tracking
	RequestCount      int
	LookupCount       map[string]int
	LastRequestHeader http.Header
}

// NewMockLookupAPI creates and starts a mock lookup API server.
func NewMockLookupAPI() *MockLookupAPI {
	mock := &MockLookupAPI{
		accounts:    make(map[string]MockAccount),
		sessions:    make(map[string]int),
		rateLimits:  make(map[string][]int),
		failures:    make(map[string]int),
		handlers:    make(map[string]http.HandlerFunc),
		LookupCount: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		handler, exists := mock.handlers[r.URL.Path]
		delay := mock.delay
		mock.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		if exists {
			handler(w, r)
			return
		}

		switch r.URL.Path {
		case "/v1/session":
			mock.handleSession(w, r)
		case "/v1/lookup":
			mock.handleLookup(w, r)
		default:
			http.NotFound(w, r)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockLookupAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLookupAPI) Close() {
	m.server.Close()
}

// Register makes identifier resolve to account.
func (m *MockLookupAPI) Register(identifier string, account MockAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[identifier] = account
}

// SetSessionStatus sets the status POST /v1/session returns for token.
// Tokens without an explicit status are authorized.
func (m *MockLookupAPI) SetSessionStatus(token string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[token] = status
}

// RateLimitNext makes the next lookups of identifier answer 429, one per
// entry in seconds, with the given Retry-After values.
func (m *MockLookupAPI) RateLimitNext(identifier string, seconds ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits[identifier] = append(m.rateLimits[identifier], seconds...)
}

// FailWith makes every lookup of identifier answer status.
func (m *MockLookupAPI) FailWith(identifier string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[identifier] = status
}

// SetDelay delays every response.
func (m *MockLookupAPI) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// SetHandler overrides the handler for a path.
func (m *MockLookupAPI) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockLookupAPI) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetLookupCount returns how often identifier was looked up.
func (m *MockLookupAPI) GetLookupCount(identifier string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LookupCount[identifier]
}

func (m *MockLookupAPI) sessionStatus(r *http.Request) int {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.sessions[token]; ok {
		return status
	}
	return http.StatusOK
}

func (m *MockLookupAPI) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := m.sessionStatus(r)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"status":"` + http.StatusText(status) + `"}`))
}

func (m *MockLookupAPI) handleLookup(w http.ResponseWriter, r *http.Request) {
	if status := m.sessionStatus(r); status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	identifier := r.URL.Query().Get("phone")

	m.mu.Lock()
	m.LookupCount[identifier]++
	var retryAfter = -1
	if queue := m.rateLimits[identifier]; len(queue) > 0 {
		retryAfter = queue[0]
		m.rateLimits[identifier] = queue[1:]
	}
	failure := m.failures[identifier]
	account, found := m.accounts[identifier]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	switch {
	case retryAfter >= 0:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"flood wait"}`))
	case failure != 0:
		w.WriteHeader(failure)
		_, _ = w.Write([]byte(`{"error":"injected failure"}`))
	case !found:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"found":false}`))
	default:
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"found":    true,
			"id":       account.ID,
			"username": account.Username,
		})
	}
}
