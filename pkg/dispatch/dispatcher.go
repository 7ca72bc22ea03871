package dispatch

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
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/lookup-checker/pkg/aggregate"
	"github.com/Sternrassler/lookup-checker/pkg/connpool"
	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/phone"
	"github.com/Sternrassler/lookup-checker/pkg/remote"
	"github.com/Sternrassler/lookup-checker/pkg/sheet"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// Prometheus metrics for batch dispatch.
var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_items_total",
		Help: "Processed lookup items by outcome",
	}, []string{"outcome"})

	activeChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lookup_active_chunks",
		Help: "Number of chunks currently being processed",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lookup_batch_duration_seconds",
		Help:    "Wall time of a batch run",
		Buckets: []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	abandonedItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lookup_abandoned_items_total",
		Help: "Items left unprocessed because their chunk was abandoned",
	})
)

// Item outcomes.
const (
	outcomeFound    = "found"
	outcomeNotFound = "not_found"
	outcomeInvalid  = "invalid"
	outcomeError    = "error"
	outcomeCached   = "cached"
)

// Common errors returned by the dispatcher.
var (
	// ErrNoItems is returned for an input without items.
	ErrNoItems = errors.New("no items to look up")

	// ErrNoCapacity is returned when no connection could be acquired.
	ErrNoCapacity = errors.New("no usable connections")

	// ErrNoResults is returned when a run ended without recording any result.
	ErrNoResults = errors.New("no results recorded")
)

// ConnectionPool hands out and takes back connections. *connpool.Pool
// implements it.
type ConnectionPool interface {
	Acquire(ctx context.Context, limit int) ([]*connpool.Connection, error)
	Release(ctx context.Context, conn *connpool.Connection)
	Invalidate(ctx context.Context, conn *connpool.Connection, reason string) error
	Reconnect(ctx context.Context, conn *connpool.Connection) error
}

// Pacer gates remote calls. *ratelimit.Controller implements it.
type Pacer interface {
	BeforeCall(ctx context.Context, credentialID int64) error
	OnRateLimited(ctx context.Context, credentialID int64, wait time.Duration) error
	OnDisconnect(ctx context.Context, credentialID int64, reconnect func(ctx context.Context) error) error
}

// ResultCache short-circuits lookups of recently seen identifiers.
// *cache.Manager implements it.
type ResultCache interface {
	Lookup(ctx context.Context, identifier string) (remote.Match, bool, error)
	Store(ctx context.Context, identifier string, match remote.Match) error
}

// ProgressFunc receives the batch size and the number of processed items.
type ProgressFunc func(ctx context.Context, total, processed int) error

// Input is one batch submission.
type Input struct {
	OwnerID    int64
	SourceName string
	Items      []model.LookupItem

	// Table and ExportDir enable writing the found rows of the source
	// table when the batch completes.
	Table     *sheet.Table
	ExportDir string

	Progress ProgressFunc
}

// Report summarizes a finished batch.
type Report struct {
	Batch       model.Batch
	Total       int
	Processed   int
	Found       int
	Outstanding int
	Duration    time.Duration
}

// Dispatcher runs batches. One Dispatcher may run several batches
// concurrently; every run keeps its own state.
type Dispatcher struct {
	pool    ConnectionPool
	pacer   Pacer
	batches store.BatchStore
	results store.ResultStore
	cache   ResultCache
	rules   *phone.Rules
	config  Config
	logger  zerolog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCache consults c before every remote call.
func WithCache(c ResultCache) Option {
	return func(d *Dispatcher) { d.cache = c }
}

// WithRules sets the numbering plan used to match table rows on export.
func WithRules(r phone.Rules) Option {
	return func(d *Dispatcher) { d.rules = &r }
}

// New creates a dispatcher.
func New(pool ConnectionPool, pacer Pacer, batches store.BatchStore, results store.ResultStore, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:    pool,
		pacer:   pacer,
		batches: batches,
		results: results,
		config:  cfg.withDefaults(),
		logger:  log.With().Str("component", "dispatch").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process runs one batch to completion.
//
// Once the batch row exists the returned Report is never nil, also when an
// error is returned; it then describes the failed batch. Cancelling ctx
// stops admitting new chunks, while chunks already running continue for at
// most ChunkTimeout.
func (d *Dispatcher) Process(ctx context.Context, in Input) (*Report, error) {
	if len(in.Items) == 0 {
		return nil, ErrNoItems
	}
	start := time.Now()

	batch, err := d.batches.Create(ctx, in.OwnerID, in.SourceName, len(in.Items))
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	logger := d.logger.With().Int64("batch_id", batch.ID).Logger()

	var aggOpts []aggregate.Option
	if d.rules != nil {
		aggOpts = append(aggOpts, aggregate.WithRules(*d.rules))
	}
	if in.Table != nil && in.ExportDir != "" {
		aggOpts = append(aggOpts, aggregate.WithExport(in.Table, in.ExportDir))
	}
	agg := aggregate.New(d.batches, d.results, batch, aggOpts...)

	// Persistence after this point must outlive caller cancellation.
	persistCtx := context.WithoutCancel(ctx)

	conns, err := d.pool.Acquire(ctx, d.config.MaxConnections)
	if err != nil {
		return d.fail(persistCtx, agg, start, fmt.Errorf("acquire connections: %w", err))
	}
	defer func() {
		for _, c := range conns {
			d.pool.Release(persistCtx, c)
		}
	}()
	if len(conns) == 0 {
		return d.fail(persistCtx, agg, start, ErrNoCapacity)
	}

	if err := d.batches.SetStatus(ctx, batch.ID, model.BatchProcessing, "", ""); err != nil {
		return d.fail(persistCtx, agg, start, fmt.Errorf("start batch: %w", err))
	}

	r := &run{
		d:          d,
		agg:        agg,
		total:      len(in.Items),
		progress:   in.Progress,
		logger:     logger,
		persistCtx: persistCtx,
	}

	logger.Info().
		Int("items", len(in.Items)).
		Int("connections", len(conns)).
		Int("chunk_size", d.config.ChunkSize).
		Msg("Starting batch")

	r.report(ctx)
	r.dispatch(ctx, conns, chunks(in.Items, d.config.ChunkSize))

	// the completion report goes out whatever the outcome
	defer r.report(persistCtx)

	if agg.Processed() == 0 {
		return d.fail(persistCtx, agg, start, ErrNoResults)
	}

	final, err := agg.Finalize(persistCtx, model.BatchCompleted, "")
	if err != nil {
		return d.report(agg.Batch(), agg, start), err
	}

	rep := d.report(final, agg, start)
	batchDuration.Observe(rep.Duration.Seconds())
	logger.Info().
		Int("total", rep.Total).
		Int("processed", rep.Processed).
		Int("found", rep.Found).
		Int("outstanding", rep.Outstanding).
		Dur("duration", rep.Duration).
		Msg("Batch complete")
	return rep, nil
}

// fail marks the batch failed with cause as reason.
func (d *Dispatcher) fail(ctx context.Context, agg *aggregate.Aggregator, start time.Time, cause error) (*Report, error) {
	d.logger.Error().
		Err(cause).
		Int64("batch_id", agg.Batch().ID).
		Msg("Batch failed")

	final, err := agg.Finalize(ctx, model.BatchFailed, cause.Error())
	if err != nil {
		return d.report(agg.Batch(), agg, start), errors.Join(cause, err)
	}
	return d.report(final, agg, start), cause
}

func (d *Dispatcher) report(b model.Batch, agg *aggregate.Aggregator, start time.Time) *Report {
	processed := agg.Processed()
	return &Report{
		Batch:       b,
		Total:       b.Total,
		Processed:   processed,
		Found:       agg.Found(),
		Outstanding: b.Total - processed,
		Duration:    time.Since(start),
	}
}

// run is the state of one Process call.
type run struct {
	d        *Dispatcher
	agg      *aggregate.Aggregator
	total    int
	progress ProgressFunc
	logger   zerolog.Logger
	sem      *semaphore.Weighted

	// persistCtx carries results to the store regardless of cancellation.
	persistCtx context.Context

	progressMu sync.Mutex
	sinceLast  int
}

// dispatch runs one lane per connection and waits for all of them.
func (r *run) dispatch(ctx context.Context, conns []*connpool.Connection, all [][]model.LookupItem) {
	k := len(conns)
	r.sem = semaphore.NewWeighted(int64(min(r.d.config.MaxConcurrency, k)))

	// In-flight chunks get ChunkTimeout after the caller cancels.
	chunkCtx, cancelChunks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelChunks()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(r.d.config.ChunkTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			r.logger.Warn().Dur("timeout", r.d.config.ChunkTimeout).Msg("Chunk timeout after cancellation")
			cancelChunks()
		}
	}()

	var wg sync.WaitGroup
	for lane, conn := range conns {
		var assigned [][]model.LookupItem
		for i := lane; i < len(all); i += k {
			assigned = append(assigned, all[i])
		}
		if len(assigned) == 0 {
			continue
		}

		wg.Add(1)
		go func(lane int, conn *connpool.Connection, assigned [][]model.LookupItem) {
			defer wg.Done()
			r.runLane(ctx, chunkCtx, lane, conn, assigned)
		}(lane, conn, assigned)
	}
	wg.Wait()
}

// runLane processes the chunks of one connection in order. ctx gates
// admission of new chunks; chunkCtx bounds the chunk work itself.
func (r *run) runLane(ctx, chunkCtx context.Context, lane int, conn *connpool.Connection, assigned [][]model.LookupItem) {
	logger := r.logger.With().
		Int("lane", lane).
		Int64("credential_id", conn.CredentialID()).
		Logger()

	for i, chunk := range assigned {
		if ctx.Err() != nil {
			r.abandon(logger, assigned[i:], "run cancelled")
			return
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.abandon(logger, assigned[i:], "run cancelled")
			return
		}

		activeChunks.Inc()
		outcome := r.processChunk(chunkCtx, logger, conn, chunk)
		activeChunks.Dec()
		r.sem.Release(1)

		r.report(chunkCtx)

		if outcome == laneDead {
			r.abandon(logger, assigned[i+1:], "connection invalidated")
			return
		}
	}
	logger.Debug().Int("chunks", len(assigned)).Msg("Lane completed")
}

// abandon logs chunks that will not be processed; their items stay
// outstanding.
func (r *run) abandon(logger zerolog.Logger, rest [][]model.LookupItem, reason string) {
	n := 0
	for _, c := range rest {
		n += len(c)
	}
	if n == 0 {
		return
	}
	abandonedItemsTotal.Add(float64(n))
	logger.Warn().Int("items", n).Str("reason", reason).Msg("Abandoning chunks")
}

// report invokes the progress callback. Callback failures never abort the run.
func (r *run) report(ctx context.Context) {
	if r.progress == nil {
		return
	}
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.sinceLast = 0

	processed := r.agg.Processed()
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error().Interface("panic", v).Msg("Progress callback panicked")
		}
	}()
	if err := r.progress(ctx, r.total, processed); err != nil {
		r.logger.Warn().Err(err).Int("processed", processed).Msg("Progress callback failed")
	}
}

// tick counts one recorded item and reports whether progress is due.
func (r *run) tick() bool {
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	r.sinceLast++
	return r.sinceLast >= r.d.config.ProgressEvery
}
