package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// NewProxyRepo returns a repository bound to the pool.
func NewProxyRepo(p *Pool) store.ProxyStore { return &proxyRepo{p: p} }

type proxyRepo struct{ p *Pool }

const proxyColumns = `p.id, p.type, p.host, p.port, p.username, p.password, p.is_active, p.last_checked, p.created_at`

func (r *proxyRepo) ListAvailable(ctx context.Context) ([]model.Proxy, error) {
	q := `select ` + proxyColumns + `
from proxies p
left join credentials c on c.proxy_id = p.id
where c.id is null and p.is_active
order by p.last_checked desc nulls last, p.id asc`
	rows, err := r.p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list available proxies: %w", err)
	}
	return collectProxies(rows)
}

func (r *proxyRepo) ListAll(ctx context.Context) ([]model.Proxy, error) {
	q := `select ` + proxyColumns + ` from proxies p order by p.id asc`
	rows, err := r.p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	return collectProxies(rows)
}

func (r *proxyRepo) MarkActive(ctx context.Context, id int64, active bool, checkedAt time.Time) error {
	const q = `update proxies set is_active = $2, last_checked = $3 where id = $1`
	ct, err := r.p.Exec(ctx, q, id, active, checkedAt)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *proxyRepo) UpdateStatuses(ctx context.Context, statuses []store.ProxyStatus, checkedAt time.Time) error {
	if len(statuses) == 0 {
		return nil
	}
	ids := make([]int64, len(statuses))
	active := make([]bool, len(statuses))
	for i, s := range statuses {
		ids[i] = s.ID
		active[i] = s.Active
	}
	const q = `
update proxies
set is_active = v.active, last_checked = $3
from unnest($1::bigint[], $2::boolean[]) as v(id, active)
where proxies.id = v.id`
	if _, err := r.p.Exec(ctx, q, ids, active, checkedAt); err != nil {
		return fmt.Errorf("update proxy statuses: %w", mapPgErr(err))
	}
	return nil
}

func (r *proxyRepo) Stats(ctx context.Context) (model.ProxyStats, error) {
	const q = `select count(*), count(*) filter (where is_active) from proxies`
	var s model.ProxyStats
	if err := r.p.QueryRow(ctx, q).Scan(&s.Total, &s.Active); err != nil {
		return model.ProxyStats{}, fmt.Errorf("proxy stats: %w", err)
	}
	s.Inactive = s.Total - s.Active
	return s, nil
}

func collectProxies(rows pgx.Rows) ([]model.Proxy, error) {
	defer rows.Close()
	var out []model.Proxy
	for rows.Next() {
		var (
			px          model.Proxy
			typ         string
			user, pass  *string
			lastChecked *time.Time
		)
		if err := rows.Scan(&px.ID, &typ, &px.Host, &px.Port, &user, &pass, &px.IsActive, &lastChecked, &px.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		px.Type = model.ProxyType(typ)
		px.Username = deref(user)
		px.Password = deref(pass)
		if lastChecked != nil {
			px.LastChecked = *lastChecked
		}
		out = append(out, px)
	}
	return out, rows.Err()
}
