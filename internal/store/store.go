// Package store is the Account Store: the durable, per-provider account
// catalog with the selection queries and targeted mutations the Dispatch
// Engine and Token Manager need. Each provider gets its own table because
// each carries different essential attributes (spec's Account entities), but
// all three expose the same operation set and map to the shared in-memory
// auth.Auth shape the rest of the gateway works with.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

// ErrNotFound is returned when an account id has no matching row.
var ErrNotFound = errors.New("store: account not found")

// Store is the Postgres-backed Account Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and returns a ready Store. Callers should call
// EnsureSchema once at startup (e.g. from cmd/gateway) before serving traffic.
func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func tableFor(provider string) (string, error) {
	switch provider {
	case "antigravity":
		return "antigravity_accounts", nil
	case "kiro":
		return "kiro_accounts", nil
	case "qwen":
		return "qwen_accounts", nil
	default:
		return "", fmt.Errorf("store: unknown provider %q", provider)
	}
}

// GetAvailable implements getAvailable(user-id, sharedFlag?): accounts with
// status=enabled and needs-reauth=false, filtered by (shared=true) OR
// (shared=false AND user-id matches) depending on sharedOnly.
func (s *Store) GetAvailable(ctx context.Context, provider, userID string, sharedOnly bool) ([]*coreauth.Auth, error) {
	table, err := tableFor(provider)
	if err != nil {
		return nil, err
	}
	var rows pgx.Rows
	if sharedOnly {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, user_id, label, shared, status, needs_reauth, attributes, metadata
			FROM %s
			WHERE status = 'enabled' AND needs_reauth = false AND shared = true
			ORDER BY id
		`, table))
	} else {
		rows, err = s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, user_id, label, shared, status, needs_reauth, attributes, metadata
			FROM %s
			WHERE status = 'enabled' AND needs_reauth = false
			  AND (shared = true OR (shared = false AND user_id = $1))
			ORDER BY id
		`, table), userID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get available (%s): %w", provider, err)
	}
	defer rows.Close()

	var out []*coreauth.Auth
	for rows.Next() {
		a, scanErr := scanAuth(rows, provider)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetByID implements getById(id).
func (s *Store) GetByID(ctx context.Context, provider, id string) (*coreauth.Auth, error) {
	table, err := tableFor(provider)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, user_id, label, shared, status, needs_reauth, attributes, metadata
		FROM %s WHERE id = $1
	`, table), id)
	if err != nil {
		return nil, fmt.Errorf("store: get by id (%s): %w", provider, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanAuth(rows, provider)
}

// UpdateToken implements updateToken(id, access, expires[, profile-arn]).
// profileARN is ignored for providers other than Kiro.
func (s *Store) UpdateToken(ctx context.Context, provider, id, accessToken string, expiresAt time.Time, profileARN string) error {
	table, err := tableFor(provider)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET metadata = jsonb_set(jsonb_set(metadata, '{access_token}', to_jsonb($2::text)), '{expires_at}', to_jsonb($3::text)),
		    updated_at = now()
		WHERE id = $1
	`, table), id, accessToken, expiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: update token (%s): %w", provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if provider == "kiro" && profileARN != "" {
		if _, err := s.pool.Exec(ctx, `
			UPDATE kiro_accounts SET metadata = jsonb_set(metadata, '{profile_arn}', to_jsonb($2::text)), updated_at = now()
			WHERE id = $1
		`, id, profileARN); err != nil {
			return fmt.Errorf("store: update kiro profile arn: %w", err)
		}
	}
	return nil
}

// UpdateStatus implements updateStatus(id, enabled|disabled).
func (s *Store) UpdateStatus(ctx context.Context, provider, id string, status coreauth.Status) error {
	table, err := tableFor(provider)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = $2, updated_at = now() WHERE id = $1
	`, table), id, string(status))
	if err != nil {
		return fmt.Errorf("store: update status (%s): %w", provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNeedsReauth implements markNeedsReauth(id).
func (s *Store) MarkNeedsReauth(ctx context.Context, provider, id string) error {
	table, err := tableFor(provider)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET needs_reauth = true, updated_at = now() WHERE id = $1
	`, table), id)
	if err != nil {
		return fmt.Errorf("store: mark needs reauth (%s): %w", provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectIds implements updateProjectIds(cookie-id, project-id,
// is-restricted, ineligible, paid-tier) — Antigravity-only.
func (s *Store) UpdateProjectIds(ctx context.Context, cookieID, projectID string, isRestricted, ineligible bool, paidTier string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE antigravity_accounts
		SET metadata = metadata
			|| jsonb_build_object('project_id', $2::text)
			|| jsonb_build_object('is_restricted', $3::bool)
			|| jsonb_build_object('ineligible', $4::bool)
			|| jsonb_build_object('paid_tier', $5::text),
		    updated_at = now()
		WHERE id = $1
	`, cookieID, projectID, isRestricted, ineligible, paidTier)
	if err != nil {
		return fmt.Errorf("store: update project ids: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEnabledShared counts a user's enabled shared accounts across a
// provider, needed by the Quota Ledger to recompute the User Shared Pool's
// max-quota (2.0 x this count) whenever a share-flag or status changes.
func (s *Store) CountEnabledShared(ctx context.Context, provider, userID string) (int, error) {
	table, err := tableFor(provider)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT count(*) FROM %s WHERE user_id = $1 AND shared = true AND status = 'enabled'
	`, table), userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count enabled shared (%s): %w", provider, err)
	}
	return count, nil
}

// ListAll returns every account row across all three provider tables,
// regardless of status or needs-reauth — the full catalog, for seeding the
// in-memory auth.Manager cache at startup (GetAvailable's filtering is wrong
// there: a disabled or needs-reauth account still has to be registered so
// later UpdateStatus/MarkNeedsReauth calls through the manager land on a
// known id).
func (s *Store) ListAll(ctx context.Context) ([]*coreauth.Auth, error) {
	var out []*coreauth.Auth
	for _, provider := range []string{"antigravity", "kiro", "qwen"} {
		table, err := tableFor(provider)
		if err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, fmt.Sprintf(`
			SELECT id, user_id, label, shared, status, needs_reauth, attributes, metadata
			FROM %s ORDER BY id
		`, table))
		if err != nil {
			return nil, fmt.Errorf("store: list all (%s): %w", provider, err)
		}
		for rows.Next() {
			a, scanErr := scanAuth(rows, provider)
			if scanErr != nil {
				rows.Close()
				return nil, scanErr
			}
			out = append(out, a)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("store: list all (%s): %w", provider, err)
		}
	}
	return out, nil
}

// UpdateMetadata overwrites an account's metadata blob wholesale. This is
// the auth.Manager's PersistFunc target: quota polling and token refresh
// both mutate auth.Auth.Metadata in-memory and call Manager.Update, which
// forwards the full updated record here rather than through one of the
// narrower UpdateToken/UpdateProjectIds calls.
func (s *Store) UpdateMetadata(ctx context.Context, provider, id string, metadata map[string]any) error {
	table, err := tableFor(provider)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET metadata = $2::jsonb, updated_at = now() WHERE id = $1
	`, table), id, metadata)
	if err != nil {
		return fmt.Errorf("store: update metadata (%s): %w", provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAuth(rows pgx.Rows, provider string) (*coreauth.Auth, error) {
	a := &coreauth.Auth{Provider: provider}
	var status string
	var attrs map[string]string
	var metadata map[string]any
	if err := rows.Scan(&a.ID, &a.UserID, &a.Label, &a.Shared, &status, &a.NeedsReauth, &attrs, &metadata); err != nil {
		return nil, fmt.Errorf("store: scan account row: %w", err)
	}
	a.Status = coreauth.Status(status)
	a.Attributes = attrs
	a.Metadata = metadata
	return a, nil
}
