// Package connpool establishes remote sessions from stored credentials and
// keeps track of which credentials are currently bound to a connection.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// Prometheus metrics for the connection pool.
var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lookup_pool_live_connections",
		Help: "Number of connections currently bound to a credential",
	})

	acquireOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_pool_acquire_total",
		Help: "Credential outcomes during Acquire",
	}, []string{"outcome"})

	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_pool_invalidations_total",
		Help: "Total number of credentials deactivated after a fatal authorization failure",
	})
)

// Acquire outcomes.
const (
	outcomeConnected   = "connected"
	outcomeCooldown    = "cooldown"
	outcomeTransient   = "transient"
	outcomeInvalidated = "invalidated"
	outcomeDialFailed  = "dial_failed"
)

// CooldownChecker reports whether a credential is out of its rate-limit
// cooldown. *ratelimit.Tracker implements it.
type CooldownChecker interface {
	ShouldAllow(ctx context.Context, credentialID int64) (bool, time.Duration, error)
}

// Pool hands out authenticated connections. A credential is bound to at
// most one live connection.
type Pool struct {
	credentials store.CredentialStore
	dialer      remote.Dialer
	cooldowns   CooldownChecker
	logger      zerolog.Logger
	now         func() time.Time

	mu   sync.Mutex
	live map[int64]*Connection // by credential
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldowns skips credentials that are in a recorded cooldown.
func WithCooldowns(c CooldownChecker) Option {
	return func(p *Pool) { p.cooldowns = c }
}

// New creates a pool.
func New(credentials store.CredentialStore, dialer remote.Dialer, opts ...Option) *Pool {
	p := &Pool{
		credentials: credentials,
		dialer:      dialer,
		logger:      log.With().Str("component", "connpool").Logger(),
		now:         time.Now,
		live:        make(map[int64]*Connection),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns up to limit authenticated connections, least recently used
// credentials first. Credentials rejected by the remote service are
// deactivated; those failing transiently are skipped for this round. An
// empty result means no capacity. Only store failures are returned as
// errors.
func (p *Pool) Acquire(ctx context.Context, limit int) ([]*Connection, error) {
	if limit <= 0 {
		return nil, nil
	}

	p.mu.Lock()
	bound := len(p.live)
	p.mu.Unlock()

	creds, err := p.credentials.ListActive(ctx, limit+bound)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}

	conns := make([]*Connection, 0, limit)
	for _, cred := range creds {
		if len(conns) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			p.releaseAll(conns)
			return nil, err
		}
		if !p.claim(cred.ID) {
			continue
		}

		conn, err := p.establish(ctx, cred)
		if err != nil {
			p.unclaim(cred.ID)
			p.releaseAll(conns)
			return nil, err
		}
		if conn == nil {
			p.unclaim(cred.ID)
			continue
		}

		p.mu.Lock()
		p.live[cred.ID] = conn
		p.mu.Unlock()
		liveConnections.Inc()
		conns = append(conns, conn)
	}

	p.logger.Info().
		Int("requested", limit).
		Int("acquired", len(conns)).
		Int("candidates", len(creds)).
		Msg("Connections acquired")
	return conns, nil
}

// claim reserves a credential; it fails when the credential is already bound.
func (p *Pool) claim(credentialID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live[credentialID]; ok {
		return false
	}
	p.live[credentialID] = nil
	return true
}

func (p *Pool) unclaim(credentialID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.live[credentialID]; ok && c == nil {
		delete(p.live, credentialID)
	}
}

// establish dials, connects and authenticates one credential. It returns
// a nil connection when the credential must be skipped.
func (p *Pool) establish(ctx context.Context, cred model.Credential) (*Connection, error) {
	logger := p.logger.With().Int64("credential_id", cred.ID).Logger()

	if p.cooldowns != nil {
		allowed, remaining, err := p.cooldowns.ShouldAllow(ctx, cred.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("Cooldown check failed, using credential anyway")
		} else if !allowed {
			acquireOutcomesTotal.WithLabelValues(outcomeCooldown).Inc()
			logger.Info().Dur("remaining", remaining).Msg("Skipping credential in cooldown")
			return nil, nil
		}
	}

	provider, err := p.dialer.Dial(cred, cred.Proxy)
	if err != nil {
		acquireOutcomesTotal.WithLabelValues(outcomeDialFailed).Inc()
		ev := logger.Warn().Err(err)
		if cred.Proxy != nil {
			ev = ev.Str("proxy_type", string(cred.Proxy.Type)).Str("proxy", cred.Proxy.String())
		}
		ev.Msg("Failed to build provider, skipping credential")
		return nil, nil
	}

	conn := newConnection(cred, provider)
	state, err := conn.open(ctx)
	switch {
	case err == nil && state.Usable():
		acquireOutcomesTotal.WithLabelValues(outcomeConnected).Inc()
		logger.Debug().Str("connection", conn.String()).Msg("Connection established")
		return conn, nil

	case err == nil || errors.Is(err, remote.ErrFatalAuth):
		reason := string(state)
		if err != nil {
			reason = err.Error()
		}
		_ = conn.close(ctx)
		acquireOutcomesTotal.WithLabelValues(outcomeInvalidated).Inc()
		if err := p.deactivate(ctx, cred.ID, reason); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		_ = conn.close(ctx)
		acquireOutcomesTotal.WithLabelValues(outcomeTransient).Inc()
		logger.Warn().Err(err).Msg("Skipping credential after transient failure")
		return nil, nil
	}
}

func (p *Pool) deactivate(ctx context.Context, credentialID int64, reason string) error {
	if err := p.credentials.MarkActive(ctx, credentialID, false); err != nil {
		return fmt.Errorf("deactivate credential %d: %w", credentialID, err)
	}
	invalidationsTotal.Inc()
	p.logger.Warn().
		Int64("credential_id", credentialID).
		Str("reason", reason).
		Msg("Credential deactivated")
	return nil
}

// Release records the credential as used, disconnects the connection and
// frees the credential.
func (p *Pool) Release(ctx context.Context, conn *Connection) {
	if !p.unbind(conn) {
		return
	}
	if err := p.credentials.TouchLastUsed(ctx, conn.CredentialID(), p.now()); err != nil {
		p.logger.Warn().Err(err).Int64("credential_id", conn.CredentialID()).Msg("Failed to update last used")
	}
	if err := conn.close(ctx); err != nil {
		p.logger.Debug().Err(err).Int64("credential_id", conn.CredentialID()).Msg("Disconnect failed")
	}
}

// Invalidate deactivates the credential after a fatal authorization
// failure and drops the connection.
func (p *Pool) Invalidate(ctx context.Context, conn *Connection, reason string) error {
	p.unbind(conn)
	if err := conn.close(ctx); err != nil {
		p.logger.Debug().Err(err).Int64("credential_id", conn.CredentialID()).Msg("Disconnect failed")
	}
	return p.deactivate(ctx, conn.CredentialID(), reason)
}

// Reconnect re-establishes a dropped connection in place. A credential the
// remote service no longer accepts yields an error wrapping
// remote.ErrFatalAuth.
func (p *Pool) Reconnect(ctx context.Context, conn *Connection) error {
	_ = conn.close(ctx)
	state, err := conn.open(ctx)
	if err != nil {
		return err
	}
	if !state.Usable() {
		return fmt.Errorf("%w: %s", remote.ErrFatalAuth, state)
	}
	p.logger.Info().Int64("credential_id", conn.CredentialID()).Msg("Connection re-established")
	return nil
}

// Close disconnects every live connection.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.live))
	for id, c := range p.live {
		if c != nil {
			conns = append(conns, c)
			delete(p.live, id)
			liveConnections.Dec()
		}
	}
	p.mu.Unlock()

	for _, c := range conns {
		if err := c.close(ctx); err != nil {
			p.logger.Debug().Err(err).Int64("credential_id", c.CredentialID()).Msg("Disconnect failed")
		}
	}
}

// Live returns the number of bound credentials.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.live {
		if c != nil {
			n++
		}
	}
	return n
}

func (p *Pool) unbind(conn *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.live[conn.CredentialID()]; ok && cur == conn {
		delete(p.live, conn.CredentialID())
		liveConnections.Dec()
		return true
	}
	return false
}

func (p *Pool) releaseAll(conns []*Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range conns {
		p.Release(ctx, c)
	}
}
