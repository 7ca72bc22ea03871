package postgres

import (
	"context"
	"fmt"
)

const schema = `
create table if not exists proxies (
	id           bigserial primary key,
	type         text not null check (type in ('http', 'socks4', 'socks5')),
	host         text not null,
	port         integer not null check (port > 0 and port < 65536),
	username     text,
	password     text,
	is_active    boolean not null default true,
	last_checked timestamptz,
	created_at   timestamptz not null default now()
);

create table if not exists credentials (
	id         bigserial primary key,
	phone      text not null unique,
	api_id     text not null,
	api_hash   text not null,
	session    text not null default '',
	proxy_id   bigint references proxies(id) on delete set null,
	is_active  boolean not null default true,
	last_used  timestamptz,
	created_at timestamptz not null default now()
);

create table if not exists check_batches (
	id             bigserial primary key,
	owner_id       bigint not null,
	source_name    text not null,
	result_name    text,
	total          integer not null check (total >= 0),
	processed      integer not null default 0,
	found          integer not null default 0,
	status         text not null default 'pending'
	               check (status in ('pending', 'processing', 'completed', 'failed')),
	failure_reason text,
	created_at     timestamptz not null default now(),
	completed_at   timestamptz,
	check (processed <= total),
	check (found <= processed)
);

create table if not exists check_results (
	id         bigserial primary key,
	batch_id   bigint not null references check_batches(id) on delete cascade,
	owner_id   bigint not null,
	identifier text not null,
	label      text not null default '',
	found      boolean not null,
	remote_id  bigint,
	handle     text,
	checked_at timestamptz not null default now()
);

create index if not exists check_results_batch_idx on check_results (batch_id);
create index if not exists credentials_active_idx on credentials (is_active, last_used);
`

// Migrate creates the tables if they do not exist. It is safe to run on
// every start.
func Migrate(ctx context.Context, p *Pool) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
