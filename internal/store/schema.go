package store

import "context"

// schemaDDL creates the Account Store's tables. Provider-specific fields
// (refresh-token, expires-at, project-id, profile-arn, usage counters, ...)
// live in the JSONB metadata column rather than typed columns: the three
// provider account shapes diverge enough (spec §3) that a typed column per
// field across three tables would mean three near-duplicate migrations for
// every new metadata field, where gjson/sjson-style JSON access is already
// how this gateway's codecs read/write account state elsewhere.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	sharing_preference TEXT NOT NULL DEFAULT 'prefer-dedicated',
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS antigravity_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	label TEXT NOT NULL DEFAULT '',
	shared BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL DEFAULT 'enabled',
	needs_reauth BOOLEAN NOT NULL DEFAULT false,
	email TEXT UNIQUE,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kiro_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	label TEXT NOT NULL DEFAULT '',
	shared BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL DEFAULT 'enabled',
	needs_reauth BOOLEAN NOT NULL DEFAULT false,
	email TEXT UNIQUE,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS qwen_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	label TEXT NOT NULL DEFAULT '',
	shared BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL DEFAULT 'enabled',
	needs_reauth BOOLEAN NOT NULL DEFAULT false,
	email TEXT UNIQUE,
	attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS model_quotas (
	account_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model_name TEXT NOT NULL,
	remaining_fraction DOUBLE PRECISION NOT NULL,
	reset_time TIMESTAMPTZ,
	availability_status TEXT NOT NULL DEFAULT 'unknown',
	last_fetched_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, model_name)
);

CREATE TABLE IF NOT EXISTS consumption_log (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	model_name TEXT NOT NULL,
	quota_before DOUBLE PRECISION NOT NULL,
	quota_after DOUBLE PRECISION NOT NULL,
	consumed DOUBLE PRECISION NOT NULL,
	shared_flag BOOLEAN NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_shared_pools (
	user_id TEXT NOT NULL,
	model_name TEXT NOT NULL,
	quota DOUBLE PRECISION NOT NULL DEFAULT 0,
	max_quota DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_recovered_at TIMESTAMPTZ,
	PRIMARY KEY (user_id, model_name)
);
`

// EnsureSchema creates every table the Account Store and Quota Ledger need,
// idempotently. Intended to be called once at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	return err
}
