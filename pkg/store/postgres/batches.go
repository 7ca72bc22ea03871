package postgres

import (
	"context"
	"fmt"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// NewBatchRepo returns a repository bound to the pool.
func NewBatchRepo(p *Pool) store.BatchStore { return &batchRepo{p: p} }

type batchRepo struct{ p *Pool }

const batchColumns = `id, owner_id, source_name, result_name, total, processed, found, status, failure_reason, created_at, completed_at`

func (r *batchRepo) Create(ctx context.Context, ownerID int64, sourceName string, total int) (model.Batch, error) {
	q := `insert into check_batches (owner_id, source_name, total, status)
values ($1, $2, $3, 'pending')
returning ` + batchColumns
	b, err := scanBatch(r.p.QueryRow(ctx, q, ownerID, sourceName, total))
	if err != nil {
		return model.Batch{}, mapPgErr(err)
	}
	return b, nil
}

func (r *batchRepo) Increment(ctx context.Context, id int64, found bool) error {
	const q = `
update check_batches
set processed = processed + 1,
    found = found + case when $2 then 1 else 0 end
where id = $1 and processed < total`
	ct, err := r.p.Exec(ctx, q, id, found)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("batch %d already fully processed: %w", id, store.ErrConflict)
	}
	return nil
}

func (r *batchRepo) SetStatus(ctx context.Context, id int64, status model.BatchStatus, resultName, reason string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid batch status %q", status)
	}
	const q = `
update check_batches
set status = $2::text,
    result_name = coalesce(nullif($3, ''), result_name),
    failure_reason = coalesce(nullif($4, ''), failure_reason),
    completed_at = case when $2::text in ('completed', 'failed') then now() else completed_at end
where id = $1 and status not in ('completed', 'failed')`
	ct, err := r.p.Exec(ctx, q, id, string(status), resultName, reason)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("batch %d is already terminal: %w", id, store.ErrConflict)
	}
	return nil
}

func (r *batchRepo) Get(ctx context.Context, id int64) (model.Batch, error) {
	q := `select ` + batchColumns + ` from check_batches where id = $1`
	b, err := scanBatch(r.p.QueryRow(ctx, q, id))
	if err != nil {
		return model.Batch{}, mapRowErr(err)
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (model.Batch, error) {
	var (
		b            model.Batch
		status       string
		resultName   *string
		failureCause *string
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.SourceName, &resultName, &b.Total, &b.Processed, &b.Found,
		&status, &failureCause, &b.CreatedAt, &b.CompletedAt)
	if err != nil {
		return model.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	b.Status = model.BatchStatus(status)
	b.ResultName = deref(resultName)
	b.FailureReason = deref(failureCause)
	return b, nil
}
