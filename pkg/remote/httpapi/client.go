// Package httpapi is a remote.Provider speaking a small HTTP/JSON lookup
// API:
//
//	POST /v1/session            bearer session token -> 200 | 401 | 403
//	GET  /v1/lookup?phone=...   -> 200 {"found","id","username"} | 404 | 429 Retry-After
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// Prometheus metrics for remote API calls.
var (
	remoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_remote_requests_total",
		Help: "Total remote API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookup_remote_request_duration_seconds",
		Help:    "Remote API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})
)

const (
	sessionPath = "/v1/session"
	lookupPath  = "/v1/lookup"

	// defaultRetryAfter is used when a 429 carries no usable Retry-After.
	defaultRetryAfter = 5 * time.Second
)

// Config holds the adapter configuration.
type Config struct {
	// BaseURL of the lookup API, e.g. "https://lookup.example.com".
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout bounds every single HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns a configuration with safe defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "lookup-checker/1.0",
		Timeout:   30 * time.Second,
	}
}

// Dialer builds Clients for credentials.
type Dialer struct {
	base   *url.URL
	config Config
}

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dialer{base: base, config: cfg}, nil
}

// Dial implements remote.Dialer. It validates the proxy but performs no I/O.
func (d *Dialer) Dial(cred model.Credential, p *model.Proxy) (remote.Provider, error) {
	transport, err := NewTransport(p, d.config.Timeout)
	if err != nil {
		return nil, err
	}
	logger := log.With().
		Str("component", "lookup-api").
		Int64("credential_id", cred.ID).
		Logger()
	return &Client{
		base:      d.base,
		config:    d.config,
		token:     cred.Session,
		transport: transport,
		logger:    logger,
	}, nil
}

// Client is one session with the lookup API.
type Client struct {
	base      *url.URL
	config    Config
	token     string
	transport *http.Transport
	logger    zerolog.Logger

	mu         sync.Mutex
	httpClient *http.Client
	authorized bool
}

type lookupResponse struct {
	Found    bool   `json:"found"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Connect prepares the HTTP client. The first request opens the socket.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   c.config.Timeout,
	}
	c.authorized = false
	return nil
}

// Authenticate presents the session token.
func (c *Client) Authenticate(ctx context.Context) (remote.AuthState, error) {
	hc, err := c.client(false)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, hc, http.MethodPost, sessionPath, nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		c.mu.Lock()
		c.authorized = true
		c.mu.Unlock()
		return remote.AuthAuthorized, nil
	case http.StatusUnauthorized:
		return remote.AuthNeedsInteractive, nil
	case http.StatusForbidden:
		return remote.AuthFatal, nil
	default:
		return "", &remote.LookupError{
			StatusCode: resp.StatusCode,
			Message:    "unexpected session status",
		}
	}
}

// Lookup queries a single identifier.
func (c *Client) Lookup(ctx context.Context, identifier string) (remote.Match, error) {
	hc, err := c.client(true)
	if err != nil {
		return remote.Match{}, err
	}

	resp, err := c.do(ctx, hc, http.MethodGet, lookupPath, url.Values{"phone": {identifier}})
	if err != nil {
		return remote.Match{}, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var body lookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return remote.Match{}, &remote.LookupError{
				StatusCode: resp.StatusCode,
				Identifier: identifier,
				Message:    "decode response",
				Err:        err,
			}
		}
		if !body.Found {
			return remote.Match{}, nil
		}
		m := remote.Match{Found: true}
		if body.ID != 0 {
			id := body.ID
			m.RemoteID = &id
		}
		if body.Username != "" {
			handle := body.Username
			m.Handle = &handle
		}
		return m, nil
	case http.StatusNotFound:
		return remote.Match{}, nil
	case http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn().
			Str("identifier", identifier).
			Dur("retry_after", wait).
			Msg("Lookup rate limited")
		return remote.Match{}, &remote.RateLimitedError{Wait: wait}
	case http.StatusUnauthorized, http.StatusForbidden:
		c.mu.Lock()
		c.authorized = false
		c.mu.Unlock()
		return remote.Match{}, fmt.Errorf("lookup rejected with status %d: %w", resp.StatusCode, remote.ErrFatalAuth)
	default:
		return remote.Match{}, &remote.LookupError{
			StatusCode: resp.StatusCode,
			Identifier: identifier,
			Message:    resp.Status,
		}
	}
}

// Disconnect drops idle sockets and forgets the session state.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport.CloseIdleConnections()
	c.httpClient = nil
	c.authorized = false
	return nil
}

func (c *Client) client(requireAuth bool) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.httpClient == nil {
		return nil, fmt.Errorf("%w: not connected", remote.ErrConnectionLost)
	}
	if requireAuth && !c.authorized {
		return nil, fmt.Errorf("%w: not authenticated", remote.ErrConnectionLost)
	}
	return c.httpClient, nil
}

// do executes one request and maps transport failures to ErrConnectionLost.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values) (*http.Response, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	remoteRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		remoteRequestsTotal.WithLabelValues(path, "network_error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Debug().Err(err).Str("endpoint", path).Msg("HTTP request failed")
		return nil, fmt.Errorf("%w: %v", remote.ErrConnectionLost, err)
	}
	remoteRequestsTotal.WithLabelValues(path, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

