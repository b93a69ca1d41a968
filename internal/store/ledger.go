package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RecordConsumption appends one immutable consumption-log row. consumed is
// computed by the caller as max(0, before-after) per spec's Quota Ledger
// invariant that the log itself never recomputes or corrects a row.
func (s *Store) RecordConsumption(ctx context.Context, userID, accountID, modelName string, before, after, consumed float64, shared bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO consumption_log (user_id, account_id, model_name, quota_before, quota_after, consumed, shared_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, userID, accountID, modelName, before, after, consumed, shared)
	if err != nil {
		return fmt.Errorf("store: record consumption: %w", err)
	}
	return nil
}

// SharedPool is one user's counter for a quota-shared group.
type SharedPool struct {
	UserID          string
	ModelGroup      string
	Quota           float64
	MaxQuota        float64
	LastRecoveredAt time.Time
}

// GetSharedPool reads a user's pool for a model group, returning
// (zero-value, false) if one has never been initialized.
func (s *Store) GetSharedPool(ctx context.Context, userID, modelGroup string) (SharedPool, bool, error) {
	var pool SharedPool
	var lastRecovered *time.Time
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, model_name, quota, max_quota, last_recovered_at
		FROM user_shared_pools WHERE user_id = $1 AND model_name = $2
	`, userID, modelGroup)
	if err := row.Scan(&pool.UserID, &pool.ModelGroup, &pool.Quota, &pool.MaxQuota, &lastRecovered); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SharedPool{}, false, nil
		}
		return SharedPool{}, false, fmt.Errorf("store: get shared pool: %w", err)
	}
	if lastRecovered != nil {
		pool.LastRecoveredAt = *lastRecovered
	}
	return pool, true, nil
}

// DecrementSharedPool clamps the pool balance at 0, per spec's invariant
// that a pool never goes negative. Returns the balance after decrement.
func (s *Store) DecrementSharedPool(ctx context.Context, userID, modelGroup string, consumed float64) (float64, error) {
	var after float64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO user_shared_pools (user_id, model_name, quota, max_quota)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, model_name) DO UPDATE
		SET quota = GREATEST(0, user_shared_pools.quota - $3)
		RETURNING quota
	`, userID, modelGroup, consumed)
	if err := row.Scan(&after); err != nil {
		return 0, fmt.Errorf("store: decrement shared pool: %w", err)
	}
	return after, nil
}

// RecomputeSharedPoolMax sets a user's shared-pool max-quota to
// multiplier x count(enabled shared accounts) for a provider, creating the
// pool row if needed. No code path in this module calls it: adding,
// enabling, disabling or deleting an account does not recompute max-quota,
// and pools first created by DecrementSharedPool keep max_quota 0.
func (s *Store) RecomputeSharedPoolMax(ctx context.Context, provider, userID, modelGroup string, multiplier float64) error {
	count, err := s.CountEnabledShared(ctx, provider, userID)
	if err != nil {
		return err
	}
	maxQuota := multiplier * float64(count)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_shared_pools (user_id, model_name, quota, max_quota)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id, model_name) DO UPDATE
		SET max_quota = $3,
		    quota = LEAST(user_shared_pools.quota, $3)
	`, userID, modelGroup, maxQuota)
	if err != nil {
		return fmt.Errorf("store: recompute shared pool max: %w", err)
	}
	return nil
}

// RecoverSharedPool tops a pool back up toward max-quota and stamps
// last-recovered-at, used by the Quota Ledger's recovery scheduler.
func (s *Store) RecoverSharedPool(ctx context.Context, userID, modelGroup string, amount float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE user_shared_pools
		SET quota = LEAST(max_quota, quota + $3), last_recovered_at = now()
		WHERE user_id = $1 AND model_name = $2
	`, userID, modelGroup, amount)
	if err != nil {
		return fmt.Errorf("store: recover shared pool: %w", err)
	}
	return nil
}

// ListSharedPoolsDue returns every shared pool whose last recovery was
// before cutoff (or that has never recovered), for the recovery scheduler
// to sweep.
func (s *Store) ListSharedPoolsDue(ctx context.Context, cutoff time.Time) ([]SharedPool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, model_name, quota, max_quota, last_recovered_at
		FROM user_shared_pools
		WHERE last_recovered_at IS NULL OR last_recovered_at < $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list shared pools due: %w", err)
	}
	defer rows.Close()

	var out []SharedPool
	for rows.Next() {
		var pool SharedPool
		var lastRecovered *time.Time
		if err := rows.Scan(&pool.UserID, &pool.ModelGroup, &pool.Quota, &pool.MaxQuota, &lastRecovered); err != nil {
			return nil, fmt.Errorf("store: scan shared pool row: %w", err)
		}
		if lastRecovered != nil {
			pool.LastRecoveredAt = *lastRecovered
		}
		out = append(out, pool)
	}
	return out, rows.Err()
}
