package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// Prometheus metrics for pacing and backoff.
var (
	pacingWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lookup_pacing_wait_seconds",
		Help:    "Time spent waiting for the per-connection minimum interval",
		Buckets: []float64{0, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lookup_rate_limit_wait_seconds",
		Help:    "Cooldowns honoured after the remote service rate limited a connection",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600},
	})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_reconnects_total",
		Help: "Reconnect attempts by outcome",
	}, []string{"outcome"})

	reconnectExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_reconnect_exhausted_total",
		Help: "Total number of times reconnect attempts were exhausted",
	})
)

// Common errors returned by the controller.
var (
	// ErrReconnectExhausted is returned when all reconnect attempts failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// Config holds the pacing and backoff configuration.
type Config struct {
	// MinInterval is the minimum spacing between two calls on one connection.
	MinInterval time.Duration

	// Jitter is the upper bound of the random delay added to every call.
	Jitter time.Duration

	// SafetyMargin is added to every cooldown requested by the remote service.
	SafetyMargin time.Duration

	// ReconnectAttempts bounds OnDisconnect.
	ReconnectAttempts int

	// ReconnectDelay is the fixed pause before every reconnect attempt.
	ReconnectDelay time.Duration
}

// DefaultConfig returns the default pacing configuration.
func DefaultConfig() Config {
	return Config{
		MinInterval:       500 * time.Millisecond,
		Jitter:            250 * time.Millisecond,
		SafetyMargin:      1 * time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    2 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller paces calls per connection and implements the reactive
// backoff policy: cooldowns are honoured exactly (plus margin), never
// exponentially, and reconnects are bounded with a fixed delay.
type Controller struct {
	config  Config
	tracker *Tracker
	logger  zerolog.Logger
	sleep   SleepFunc

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter // by credential
	rnd      *rand.Rand
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the wait primitive, e.g. to observe waits in tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithTracker shares cooldowns through t.
func WithTracker(t *Tracker) Option {
	return func(c *Controller) { c.tracker = t }
}

// NewController creates a controller.
func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		config:   cfg,
		logger:   log.With().Str("component", "ratelimit").Logger(),
		sleep:    Sleep,
		limiters: make(map[int64]*rate.Limiter),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.config
}

// Sleep waits for d with context cancellation support.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (c *Controller) limiter(credentialID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[credentialID]
	if !ok {
		every := rate.Inf
		if c.config.MinInterval > 0 {
			every = rate.Every(c.config.MinInterval)
		}
		lim = rate.NewLimiter(every, 1)
		c.limiters[credentialID] = lim
	}
	return lim
}

func (c *Controller) jitter() time.Duration {
	if c.config.Jitter <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rnd.Int63n(int64(c.config.Jitter)))
}

// BeforeCall blocks until the credential's connection may issue its next
// remote call.
func (c *Controller) BeforeCall(ctx context.Context, credentialID int64) error {
	r := c.limiter(credentialID).Reserve()
	wait := r.Delay() + c.jitter()
	pacingWaitSeconds.Observe(wait.Seconds())
	if wait <= 0 {
		return nil
	}
	if err := c.sleep(ctx, wait); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// OnRateLimited suspends the connection for wait plus the safety margin and
// records the cooldown so other runs skip the credential meanwhile.
func (c *Controller) OnRateLimited(ctx context.Context, credentialID int64, wait time.Duration) error {
	if wait < 0 {
		wait = 0
	}
	total := wait + c.config.SafetyMargin
	rateLimitWaitSeconds.Observe(total.Seconds())

	if err := c.tracker.Record(ctx, credentialID, total); err != nil {
		c.logger.Warn().Err(err).Int64("credential_id", credentialID).Msg("Failed to record cooldown")
	}

	c.logger.Warn().
		Int64("credential_id", credentialID).
		Dur("wait", wait).
		Dur("total", total).
		Msg("Rate limited, waiting before retry")

	if err := c.sleep(ctx, total); err != nil {
		c.logger.Warn().
			Int64("credential_id", credentialID).
			Msg("Context cancelled during rate limit wait")
		return err
	}
	return nil
}

// OnDisconnect runs reconnect up to ReconnectAttempts times, pausing
// ReconnectDelay before each attempt. It returns ErrReconnectExhausted
// wrapping the last failure when every attempt failed. A reconnect failing
// with remote.ErrFatalAuth is returned at once and never retried.
func (c *Controller) OnDisconnect(ctx context.Context, credentialID int64, reconnect func(ctx context.Context) error) error {
	attempts := c.config.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Debug().
			Int64("credential_id", credentialID).
			Int("attempt", attempt).
			Dur("delay", c.config.ReconnectDelay).
			Msg("Reconnecting after backoff")

		if err := c.sleep(ctx, c.config.ReconnectDelay); err != nil {
			return err
		}

		err := reconnect(ctx)
		if err == nil {
			reconnectsTotal.WithLabelValues("success").Inc()
			if attempt > 1 {
				c.logger.Info().
					Int64("credential_id", credentialID).
					Int("attempt", attempt).
					Msg("Reconnect succeeded after retry")
			}
			return nil
		}
		reconnectsTotal.WithLabelValues("failure").Inc()
		if errors.Is(err, remote.ErrFatalAuth) {
			c.logger.Warn().
				Int64("credential_id", credentialID).
				Int("attempt", attempt).
				Err(err).
				Msg("Credential rejected during reconnect, not retrying")
			return fmt.Errorf("reconnect: %w", err)
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}
	}

	reconnectExhaustedTotal.Inc()
	c.logger.Warn().
		Int64("credential_id", credentialID).
		Int("max_attempts", attempts).
		Err(lastErr).
		Msg("Reconnect attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempts, lastErr)
}

// Forget drops the pacing state of a credential.
func (c *Controller) Forget(credentialID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limiters, credentialID)
}
