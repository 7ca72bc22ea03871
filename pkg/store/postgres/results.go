package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// NewResultRepo returns a repository bound to the pool.
func NewResultRepo(p *Pool) store.ResultStore { return &resultRepo{p: p} }

type resultRepo struct{ p *Pool }

// BulkInsert writes the results with COPY.
func (r *resultRepo) BulkInsert(ctx context.Context, results []model.LookupResult) (int64, error) {
	if len(results) == 0 {
		return 0, nil
	}
	now := time.Now()
	vals := make([][]any, 0, len(results))
	for _, res := range results {
		checked := res.CheckedAt
		if checked.IsZero() {
			checked = now
		}
		vals = append(vals, []any{
			res.BatchID, res.OwnerID, res.Identifier, res.Label, res.Found, res.RemoteID, res.Handle, checked,
		})
	}
	ct, err := r.p.CopyFrom(ctx,
		pgx.Identifier{"check_results"},
		[]string{"batch_id", "owner_id", "identifier", "label", "found", "remote_id", "handle", "checked_at"},
		pgx.CopyFromRows(vals),
	)
	if err != nil {
		return 0, fmt.Errorf("copy results: %w", mapPgErr(err))
	}
	return ct, nil
}

func (r *resultRepo) GetByBatch(ctx context.Context, batchID int64) ([]model.LookupResult, error) {
	const q = `
select id, batch_id, owner_id, identifier, label, found, remote_id, handle, checked_at
from check_results
where batch_id = $1
order by id asc`
	rows, err := r.p.Query(ctx, q, batchID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []model.LookupResult
	for rows.Next() {
		var res model.LookupResult
		if err := rows.Scan(&res.ID, &res.BatchID, &res.OwnerID, &res.Identifier, &res.Label,
			&res.Found, &res.RemoteID, &res.Handle, &res.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
