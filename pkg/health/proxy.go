// Package health checks that stored proxies still route traffic and that
// stored credentials are still accepted by the remote service, and writes
// the outcome back to the store.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/remote/httpapi"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// Prometheus metrics for health checks.
var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_health_checks_total",
		Help: "Health checks by kind and outcome",
	}, []string{"kind", "outcome"})

	checkRoundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lookup_health_round_duration_seconds",
		Help:    "Duration of a full health-check round",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
)

// Summary reports one check round.
type Summary struct {
	Total    int
	Working  int
	Failed   int
	Duration time.Duration
}

// ProxyConfig configures proxy checks.
type ProxyConfig struct {
	// TestURL is fetched through every proxy; a 200 answer means working.
	TestURL string

	// Timeout bounds a single check.
	Timeout time.Duration

	// Concurrency bounds the number of simultaneous checks.
	Concurrency int
}

// DefaultProxyConfig returns the default proxy check configuration.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		TestURL:     "https://check-host.net/ip",
		Timeout:     10 * time.Second,
		Concurrency: 10,
	}
}

// ProxyChecker verifies proxies by fetching TestURL through them.
type ProxyChecker struct {
	proxies store.ProxyStore
	config  ProxyConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProxyChecker creates a proxy checker.
func NewProxyChecker(proxies store.ProxyStore, cfg ProxyConfig) *ProxyChecker {
	def := DefaultProxyConfig()
	if cfg.TestURL == "" {
		cfg.TestURL = def.TestURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &ProxyChecker{
		proxies: proxies,
		config:  cfg,
		logger:  log.With().Str("component", "health").Str("kind", "proxy").Logger(),
		now:     time.Now,
	}
}

// CheckAll checks every stored proxy and writes all statuses in one update.
func (c *ProxyChecker) CheckAll(ctx context.Context) (Summary, error) {
	start := time.Now()

	proxies, err := c.proxies.ListAll(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("list proxies: %w", err)
	}
	if len(proxies) == 0 {
		c.logger.Info().Msg("No proxies to check")
		return Summary{}, nil
	}

	c.logger.Info().
		Int("count", len(proxies)).
		Int("concurrency", c.config.Concurrency).
		Msg("Starting proxy check")

	statuses := make([]store.ProxyStatus, len(proxies))
	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for i, p := range proxies {
		i, p := i, p
		g.Go(func() error {
			err := c.Check(ctx, p)
			statuses[i] = store.ProxyStatus{ID: p.ID, Active: err == nil}
			if err != nil {
				checksTotal.WithLabelValues("proxy", "failed").Inc()
				c.logger.Debug().Err(err).Str("proxy", p.String()).Msg("Proxy check failed")
			} else {
				checksTotal.WithLabelValues("proxy", "working").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	if err := c.proxies.UpdateStatuses(ctx, statuses, c.now()); err != nil {
		return Summary{}, fmt.Errorf("update proxy statuses: %w", err)
	}

	sum := Summary{Total: len(statuses), Duration: time.Since(start)}
	for _, st := range statuses {
		if st.Active {
			sum.Working++
		} else {
			sum.Failed++
		}
	}
	checkRoundDuration.WithLabelValues("proxy").Observe(sum.Duration.Seconds())

	c.logger.Info().
		Int("total", sum.Total).
		Int("working", sum.Working).
		Int("failed", sum.Failed).
		Dur("duration", sum.Duration).
		Msg("Proxy check finished")
	return sum, nil
}

// Check fetches TestURL through p. It returns nil when the answer is 200.
func (c *ProxyChecker) Check(ctx context.Context, p model.Proxy) error {
	transport, err := httpapi.NewTransport(&p, c.config.Timeout)
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.TestURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("test url answered %d", resp.StatusCode)
	}
	return nil
}
