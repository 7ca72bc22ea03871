package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Sternrassler/lookup-checker/pkg/model"
	"github.com/Sternrassler/lookup-checker/pkg/store"
)

// NewCredentialRepo returns a repository bound to the pool.
func NewCredentialRepo(p *Pool) store.CredentialStore { return &credentialRepo{p: p} }

type credentialRepo struct{ p *Pool }

const credentialColumns = `
	c.id, c.phone, c.api_id, c.api_hash, c.session, c.proxy_id, c.is_active, c.last_used, c.created_at,
	p.type, p.host, p.port, p.username, p.password, p.is_active, p.last_checked, p.created_at`

func (r *credentialRepo) ListActive(ctx context.Context, limit int) ([]model.Credential, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `select ` + credentialColumns + `
from credentials c
left join proxies p on p.id = c.proxy_id
where c.is_active
order by c.last_used asc nulls first, c.id asc
limit $1`
	rows, err := r.p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	return collectCredentials(rows)
}

func (r *credentialRepo) ListWithoutProxy(ctx context.Context) ([]model.Credential, error) {
	q := `select ` + credentialColumns + `
from credentials c
left join proxies p on p.id = c.proxy_id
where c.is_active and c.proxy_id is null
order by c.last_used asc nulls first, c.id asc`
	rows, err := r.p.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list credentials without proxy: %w", err)
	}
	return collectCredentials(rows)
}

func (r *credentialRepo) MarkActive(ctx context.Context, id int64, active bool) error {
	const q = `update credentials set is_active = $2 where id = $1`
	ct, err := r.p.Exec(ctx, q, id, active)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *credentialRepo) BindProxy(ctx context.Context, credentialID, proxyID int64) error {
	const q = `update credentials set proxy_id = $2 where id = $1`
	ct, err := r.p.Exec(ctx, q, credentialID, proxyID)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *credentialRepo) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	const q = `update credentials set last_used = $2 where id = $1`
	ct, err := r.p.Exec(ctx, q, id, at)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *credentialRepo) Stats(ctx context.Context) (model.CredentialStats, error) {
	const q = `
select count(*),
       count(*) filter (where is_active),
       count(*) filter (where proxy_id is not null)
from credentials`
	var s model.CredentialStats
	if err := r.p.QueryRow(ctx, q).Scan(&s.Total, &s.Active, &s.WithProxy); err != nil {
		return model.CredentialStats{}, fmt.Errorf("credential stats: %w", err)
	}
	s.Inactive = s.Total - s.Active
	s.WithoutProxy = s.Total - s.WithProxy
	return s, nil
}

func collectCredentials(rows pgx.Rows) ([]model.Credential, error) {
	defer rows.Close()
	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCredential(row pgx.Row) (model.Credential, error) {
	var (
		c        model.Credential
		lastUsed *time.Time

		pType, pHost, pUser, pPass *string
		pPort                      *int
		pActive                    *bool
		pChecked, pCreated         *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Phone, &c.APIID, &c.APIHash, &c.Session, &c.ProxyID, &c.IsActive, &lastUsed, &c.CreatedAt,
		&pType, &pHost, &pPort, &pUser, &pPass, &pActive, &pChecked, &pCreated,
	)
	if err != nil {
		return model.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	if lastUsed != nil {
		c.LastUsed = *lastUsed
	}
	if c.ProxyID != nil && pType != nil {
		px := &model.Proxy{
			ID:   *c.ProxyID,
			Type: model.ProxyType(*pType),
			Host: deref(pHost),
			Port: derefInt(pPort),
		}
		px.Username = deref(pUser)
		px.Password = deref(pPass)
		if pActive != nil {
			px.IsActive = *pActive
		}
		if pChecked != nil {
			px.LastChecked = *pChecked
		}
		if pCreated != nil {
			px.CreatedAt = *pCreated
		}
		c.Proxy = px
	}
	return c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
