// Package aggregate collects per-item lookup results for one batch, keeps
// the batch counters current and persists the results when the batch ends.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/phone"
	"github.com/Sternrassler/lookup-checker/pkg/sheet"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// Prometheus metrics for result aggregation.
var (
	resultsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_results_recorded_total",
		Help: "Total number of recorded lookup results",
	}, []string{"found"})

	batchesFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lookup_batches_finalized_total",
		Help: "Total number of batches that reached a terminal status",
	}, []string{"status"})
)

var (
	// ErrPersistence is returned when results or counters could not be written.
	ErrPersistence = errors.New("persistence failure")

	// ErrAlreadyFinalized is returned by a second Finalize call.
	ErrAlreadyFinalized = errors.New("batch already finalized")
)

// ResultName returns the name of the export file of a batch.
func ResultName(batchID int64, sourceName string) string {
	base := filepath.Base(sourceName)
	base = strings.TrimSuffix(base, filepath.Ext(base)) + ".csv"
	return "result_" + strconv.FormatInt(batchID, 10) + "_" + base
}

// Aggregator accumulates the results of one batch. It is safe for
// concurrent use by the lanes of a dispatch run.
type Aggregator struct {
	batches store.BatchStore
	results store.ResultStore
	batch   model.Batch
	logger  zerolog.Logger
	now     func() time.Time

	exportTable *sheet.Table
	exportDir   string
	rules       phone.Rules

	mu        sync.Mutex
	records   []model.LookupResult
	found     int
	finalized bool
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithExport writes the found rows of table to dir when the batch
// completes and records the file name on the batch.
func WithExport(table *sheet.Table, dir string) Option {
	return func(a *Aggregator) {
		a.exportTable = table
		a.exportDir = dir
	}
}

// WithRules sets the normalization rules used to match table rows.
func WithRules(r phone.Rules) Option {
	return func(a *Aggregator) { a.rules = r }
}

// New creates an aggregator for batch.
func New(batches store.BatchStore, results store.ResultStore, batch model.Batch, opts ...Option) *Aggregator {
	a := &Aggregator{
		batches: batches,
		results: results,
		batch:   batch,
		logger:  log.With().Str("component", "aggregate").Int64("batch_id", batch.ID).Logger(),
		now:     time.Now,
		rules:   phone.DefaultRules,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Batch returns the batch the aggregator was created for.
func (a *Aggregator) Batch() model.Batch {
	return a.batch
}

// Record appends r and increments the batch counters. The result is kept
// even when the counter update fails; that failure is returned wrapping
// ErrPersistence.
func (a *Aggregator) Record(ctx context.Context, r model.LookupResult) error {
	r.BatchID = a.batch.ID
	r.OwnerID = a.batch.OwnerID
	if r.CheckedAt.IsZero() {
		r.CheckedAt = a.now()
	}

	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return ErrAlreadyFinalized
	}
	a.records = append(a.records, r)
	if r.Found {
		a.found++
	}
	a.mu.Unlock()

	resultsRecordedTotal.WithLabelValues(strconv.FormatBool(r.Found)).Inc()

	if err := a.batches.Increment(ctx, a.batch.ID, r.Found); err != nil {
		return fmt.Errorf("%w: increment batch %d: %w", ErrPersistence, a.batch.ID, err)
	}
	return nil
}

// Processed returns the number of recorded results.
func (a *Aggregator) Processed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Found returns the number of recorded results with Found set.
func (a *Aggregator) Found() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.found
}

// Results returns a copy of the recorded results in recording order.
func (a *Aggregator) Results() []model.LookupResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.LookupResult(nil), a.records...)
}

// Finalize persists every recorded result in one bulk write and moves the
// batch to status. A completed batch with an export configured gets its
// result file written first. When the bulk write fails the batch is marked
// failed instead and the error wraps ErrPersistence.
func (a *Aggregator) Finalize(ctx context.Context, status model.BatchStatus, reason string) (model.Batch, error) {
	if !status.IsTerminal() {
		return model.Batch{}, fmt.Errorf("finalize with non-terminal status %q", status)
	}

	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return model.Batch{}, ErrAlreadyFinalized
	}
	a.finalized = true
	records := append([]model.LookupResult(nil), a.records...)
	a.mu.Unlock()

	if len(records) > 0 {
		n, err := a.results.BulkInsert(ctx, records)
		if err != nil {
			persistErr := fmt.Errorf("%w: save results: %w", ErrPersistence, err)
			a.logger.Error().Err(err).Int("results", len(records)).Msg("Failed to save results")
			if serr := a.batches.SetStatus(ctx, a.batch.ID, model.BatchFailed, "", persistErr.Error()); serr != nil {
				a.logger.Error().Err(serr).Msg("Failed to mark batch failed")
			}
			batchesFinalizedTotal.WithLabelValues(string(model.BatchFailed)).Inc()
			return model.Batch{}, persistErr
		}
		a.logger.Debug().Int64("saved", n).Msg("Results saved")
	}

	var resultName string
	if status == model.BatchCompleted && a.exportTable != nil {
		name, err := a.exportFile(ctx)
		if err != nil {
			a.logger.Error().Err(err).Msg("Failed to export results")
		} else {
			resultName = name
		}
	}

	if err := a.batches.SetStatus(ctx, a.batch.ID, status, resultName, reason); err != nil {
		return model.Batch{}, fmt.Errorf("%w: set batch status: %w", ErrPersistence, err)
	}
	batchesFinalizedTotal.WithLabelValues(string(status)).Inc()

	batch, err := a.batches.Get(ctx, a.batch.ID)
	if err != nil {
		return model.Batch{}, fmt.Errorf("%w: reload batch: %w", ErrPersistence, err)
	}

	a.logger.Info().
		Str("status", string(batch.Status)).
		Int("total", batch.Total).
		Int("processed", batch.Processed).
		Int("found", batch.Found).
		Str("result", batch.ResultName).
		Msg("Batch finalized")
	return batch, nil
}

func (a *Aggregator) exportFile(ctx context.Context) (string, error) {
	name := ResultName(a.batch.ID, a.exportTable.Name)
	if err := os.MkdirAll(a.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(a.exportDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}

	n, err := a.Export(ctx, a.batch.ID, a.exportTable, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}

	a.logger.Info().Str("file", path).Int("rows", n).Msg("Results exported")
	return name, nil
}

// Export writes the rows of table whose identifier was found in batch
// batchID, in their original order and with the header kept. It returns
// the number of data rows written.
func (a *Aggregator) Export(ctx context.Context, batchID int64, table *sheet.Table, w io.Writer) (int, error) {
	results, err := a.results.GetByBatch(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("load results of batch %d: %w", batchID, err)
	}

	keep := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Found {
			keep[r.Identifier] = true
		}
	}
	n, err := table.WriteFiltered(w, a.rules, keep)
	if err != nil {
		return n, fmt.Errorf("write export: %w", err)
	}
	return n, nil
}
