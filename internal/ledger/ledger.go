// Package ledger implements the Quota Ledger: approximate per-account
// remaining quota (the read-through cache in sdk/cliproxy/quota), per-user
// shared-pool counters, and the durable consumption log both are reconciled
// against. See spec §4.3.
package ledger

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aigatewayhq/upstream-gateway/internal/store"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/quota"
)

// staleAfter matches spec's "age > 5 min triggers a non-blocking background
// refresh" rule for the quota read-through cache.
const staleAfter = 5 * time.Minute

// SharedPoolStore is the subset of the Account Store the Ledger writes
// consumption and shared-pool state through.
type SharedPoolStore interface {
	RecordConsumption(ctx context.Context, userID, accountID, modelName string, before, after, consumed float64, shared bool) error
	DecrementSharedPool(ctx context.Context, userID, modelGroup string, consumed float64) (float64, error)
	RecomputeSharedPoolMax(ctx context.Context, provider, userID, modelGroup string, multiplier float64) error
	GetSharedPool(ctx context.Context, userID, modelGroup string) (store.SharedPool, bool, error)
	RecoverSharedPool(ctx context.Context, userID, modelGroup string, amount float64) error
	ListSharedPoolsDue(ctx context.Context, cutoff time.Time) ([]store.SharedPool, error)
}

// GroupResolver maps a raw model name to its quota-shared group key (for
// providers without quota-shared groups, implementations should return the
// model name unchanged).
type GroupResolver func(model string) string

// RefreshFunc performs the non-blocking background models-list refresh
// spec's read-through cache triggers when a cached entry goes stale.
type RefreshFunc func(ctx context.Context, auth *coreauth.Auth)

// Ledger ties the quota read-through cache to the durable consumption log
// and shared-pool counters.
type Ledger struct {
	store         SharedPoolStore
	groupResolver GroupResolver
	multiplier    float64
}

// New constructs a Ledger. multiplier is the shared-pool max-quota factor
// (spec default 2.0). groupResolver may be nil, in which case models never
// share a pool with one another.
func New(st SharedPoolStore, groupResolver GroupResolver, multiplier float64) *Ledger {
	if groupResolver == nil {
		groupResolver = func(model string) string { return model }
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return &Ledger{store: st, groupResolver: groupResolver, multiplier: multiplier}
}

// GetQuota returns the cached fraction plus last-fetched-at for a model,
// and reports whether the entry is stale enough that the caller should fire
// a non-blocking background refresh (spec: age > 5 min).
func GetQuota(metadata map[string]any, model string) (percent float64, lastFetchedAt time.Time, stale bool) {
	entry, ok := quota.GetModelQuotaFromMetadata(metadata, model)
	if !ok {
		return 0, time.Time{}, true
	}
	return entry.Percent, entry.UpdatedAt, time.Since(entry.UpdatedAt) > staleAfter
}

// MaybeRefresh fires refresh in a new goroutine iff the cached entry for
// model is stale, matching spec's "best-effort background refresh
// (non-blocking, errors logged only)".
func (l *Ledger) MaybeRefresh(ctx context.Context, auth *coreauth.Auth, model string, refresh RefreshFunc) {
	if auth == nil || refresh == nil {
		return
	}
	_, _, stale := GetQuota(auth.Metadata, model)
	if !stale {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("quota ledger: background refresh panicked (auth=%s model=%s): %v", auth.ID, model, r)
			}
		}()
		refresh(ctx, auth)
	}()
}

// RecordConsumption appends an immutable consumption-log row and, for
// shared accounts, decrements the calling user's shared pool for the
// model's quota-shared group. consumed = max(0, before-after) per spec.
func (l *Ledger) RecordConsumption(ctx context.Context, userID, accountID, model string, before, after float64, shared bool) error {
	consumed := math.Max(0, before-after)
	if err := l.store.RecordConsumption(ctx, userID, accountID, model, before, after, consumed, shared); err != nil {
		return err
	}
	if !shared || consumed == 0 {
		return nil
	}
	group := l.groupResolver(model)
	if _, err := l.store.DecrementSharedPool(ctx, userID, group, consumed); err != nil {
		return err
	}
	return nil
}

// RecomputeSharedPoolMax recomputes a user's shared-pool max-quota for a
// model group as multiplier x count(enabled shared accounts). Call this
// whenever an account is added, enabled, disabled, or deleted (spec §4.3).
func (l *Ledger) RecomputeSharedPoolMax(ctx context.Context, provider, userID, model string) error {
	group := l.groupResolver(model)
	return l.store.RecomputeSharedPoolMax(ctx, provider, userID, group, l.multiplier)
}

// Available reports whether an account is usable for model per spec's
// Dispatch availability check: cached quota for the model must be > 0, and
// (if shared) the calling user's shared pool for the model's group must
// also be > 0.
func (l *Ledger) Available(ctx context.Context, auth *coreauth.Auth, userID, model string) bool {
	if auth == nil {
		return false
	}
	percent, _, _ := GetQuota(auth.Metadata, model)
	if percent <= 0 {
		return false
	}
	if !auth.Shared {
		return true
	}
	group := l.groupResolver(model)
	pool, ok, err := l.store.GetSharedPool(ctx, userID, group)
	if err != nil {
		log.WithError(err).Warnf("quota ledger: shared pool lookup failed (user=%s group=%s)", userID, group)
		return false
	}
	if !ok {
		return false
	}
	return pool.Quota > 0
}

// RunRecoveryScheduler sweeps shared pools whose last recovery predates
// interval and tops each back up by step (clamped at max-quota), until stop
// is closed. Mirrors the teacher's own background-ticker pattern used for
// quota polling (internal/quota/poller.go), generalized to shared-pool
// recovery instead of upstream quota fetches.
func (l *Ledger) RunRecoveryScheduler(ctx context.Context, interval time.Duration, step float64, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.recoverDuePools(ctx, interval, step)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Ledger) recoverDuePools(ctx context.Context, interval time.Duration, step float64) {
	due, err := l.store.ListSharedPoolsDue(ctx, time.Now().Add(-interval))
	if err != nil {
		log.WithError(err).Warn("quota ledger: list shared pools due failed")
		return
	}
	for _, pool := range due {
		if pool.Quota >= pool.MaxQuota {
			continue
		}
		if err := l.store.RecoverSharedPool(ctx, pool.UserID, pool.ModelGroup, step); err != nil {
			log.WithError(err).Warnf("quota ledger: recover shared pool failed (user=%s group=%s)", pool.UserID, pool.ModelGroup)
		}
	}
}
