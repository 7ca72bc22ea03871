// Package metrics exposes the Prometheus registry used by the lookup engine.
// All metrics are defined in their respective packages (ratelimit, cache,
// connpool, dispatch, aggregate, health, httpapi) and registered via promauto.
//
// This package documents the available metrics and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the lookup engine.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler exposes.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve listens on addr and serves /metrics plus any extra routes until ctx
// is done. It returns nil after a clean shutdown.
func Serve(ctx context.Context, addr string, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Pacing Metrics (pkg/ratelimit):
//   - lookup_pacing_wait_seconds (Histogram): Wait for the per-connection minimum interval
//   - lookup_rate_limit_wait_seconds (Histogram): Cooldowns honoured after a rate limit
//   - lookup_reconnects_total{outcome} (Counter): Reconnect attempts
//   - lookup_reconnect_exhausted_total (Counter): Reconnect loops that gave up
//   - lookup_cooldowns_recorded_total (Counter): Cooldowns stored in Redis
//   - lookup_cooldown_skips_total (Counter): Credentials skipped during a cooldown
//
// Cache Metrics (pkg/cache):
//   - lookup_cache_hits_total{layer="redis"} (Counter): Result cache hits by layer
//   - lookup_cache_misses_total (Counter): Result cache misses
//   - lookup_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - lookup_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pool Metrics (pkg/connpool):
//   - lookup_pool_live_connections (Gauge): Connections currently bound
//   - lookup_pool_acquire_total{outcome} (Counter): Acquire outcomes per credential
//   - lookup_pool_invalidations_total (Counter): Connections invalidated
//
// Batch Metrics (pkg/dispatch, pkg/aggregate):
//   - lookup_items_total{outcome} (Counter): Items by outcome
//   - lookup_active_chunks (Gauge): Chunks in flight
//   - lookup_batch_duration_seconds (Histogram): Wall time of Process
//   - lookup_abandoned_items_total (Counter): Items left unprocessed
//   - lookup_results_recorded_total{found} (Counter): Results recorded
//   - lookup_batches_finalized_total{status} (Counter): Batches by terminal status
//
// Remote Metrics (pkg/remote/httpapi):
//   - lookup_remote_requests_total{operation, status} (Counter): Calls to the lookup service
//   - lookup_remote_request_duration_seconds{operation} (Histogram): Call latency
//
// Maintenance Metrics (pkg/health, pkg/proxyassign):
//   - lookup_health_checks_total{kind, outcome} (Counter): Individual checks
//   - lookup_health_round_duration_seconds{kind} (Histogram): Duration of a check round
//   - lookup_proxies_bound_total (Counter): Credentials bound to a proxy
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(lookup_cache_hits_total[5m])) /
//   (sum(rate(lookup_cache_hits_total[5m])) + sum(rate(lookup_cache_misses_total[5m])))
//
//   # Found Ratio
//   sum(rate(lookup_results_recorded_total{found="true"}[1h])) /
//   sum(rate(lookup_results_recorded_total[1h]))
//
//   # Rate Limit Pressure
//   rate(lookup_rate_limit_wait_seconds_count[5m])
//
//   # P95 Lookup Latency
//   histogram_quantile(0.95, rate(lookup_remote_request_duration_seconds_bucket[5m]))
