package ledger

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/aigatewayhq/upstream-gateway/internal/store"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/quota"
)

type fakeLedgerStore struct {
	consumed     []float64
	decremented  []float64
	pools        map[string]store.SharedPool
	recomputeMax float64
	recovered    []string
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{pools: make(map[string]store.SharedPool)}
}

func (f *fakeLedgerStore) RecordConsumption(_ context.Context, _, _, _ string, _, _, consumed float64, _ bool) error {
	f.consumed = append(f.consumed, consumed)
	return nil
}

func (f *fakeLedgerStore) DecrementSharedPool(_ context.Context, userID, group string, consumed float64) (float64, error) {
	f.decremented = append(f.decremented, consumed)
	key := userID + "/" + group
	pool := f.pools[key]
	pool.Quota -= consumed
	if pool.Quota < 0 {
		pool.Quota = 0
	}
	f.pools[key] = pool
	return pool.Quota, nil
}

func (f *fakeLedgerStore) RecomputeSharedPoolMax(_ context.Context, _, _, _ string, multiplier float64) error {
	f.recomputeMax = multiplier
	return nil
}

func (f *fakeLedgerStore) GetSharedPool(_ context.Context, userID, group string) (store.SharedPool, bool, error) {
	pool, ok := f.pools[userID+"/"+group]
	return pool, ok, nil
}

func (f *fakeLedgerStore) RecoverSharedPool(_ context.Context, userID, group string, amount float64) error {
	f.recovered = append(f.recovered, userID+"/"+group)
	key := userID + "/" + group
	pool := f.pools[key]
	pool.Quota += amount
	if pool.Quota > pool.MaxQuota {
		pool.Quota = pool.MaxQuota
	}
	f.pools[key] = pool
	return nil
}

func (f *fakeLedgerStore) ListSharedPoolsDue(_ context.Context, _ time.Time) ([]store.SharedPool, error) {
	var out []store.SharedPool
	for _, p := range f.pools {
		out = append(out, p)
	}
	return out, nil
}

func TestRecordConsumption_DecrementsSharedPoolOnlyWhenShared(t *testing.T) {
	t.Parallel()
	fs := newFakeLedgerStore()
	fs.pools["user-1/gemini-3-pro"] = store.SharedPool{UserID: "user-1", ModelGroup: "gemini-3-pro", Quota: 1.0, MaxQuota: 2.0}
	l := New(fs, func(model string) string {
		if model == "gemini-3-pro-high" {
			return "gemini-3-pro"
		}
		return model
	}, 2.0)

	if err := l.RecordConsumption(context.Background(), "user-1", "acc-1", "gemini-3-pro-high", 0.8, 0.5, true); err != nil {
		t.Fatalf("RecordConsumption: %v", err)
	}
	if len(fs.consumed) != 1 || math.Abs(fs.consumed[0]-0.3) > 1e-9 {
		t.Fatalf("expected consumed=0.3, got %v", fs.consumed)
	}
	if len(fs.decremented) != 1 || math.Abs(fs.decremented[0]-0.3) > 1e-9 {
		t.Fatalf("expected shared pool decremented by 0.3, got %v", fs.decremented)
	}

	if err := l.RecordConsumption(context.Background(), "user-1", "acc-2", "qwen-max", 0.8, 0.5, false); err != nil {
		t.Fatalf("RecordConsumption: %v", err)
	}
	if len(fs.decremented) != 1 {
		t.Fatalf("dedicated account consumption must not touch the shared pool")
	}
}

func TestRecordConsumption_ClampsNegativeDelta(t *testing.T) {
	t.Parallel()
	fs := newFakeLedgerStore()
	l := New(fs, nil, 2.0)
	if err := l.RecordConsumption(context.Background(), "user-1", "acc-1", "model", 0.2, 0.9, true); err != nil {
		t.Fatalf("RecordConsumption: %v", err)
	}
	if fs.consumed[0] != 0 {
		t.Fatalf("expected consumed to clamp at 0 when after > before, got %v", fs.consumed[0])
	}
	if len(fs.decremented) != 0 {
		t.Fatalf("zero consumption should not touch the shared pool")
	}
}

func TestAvailable_DeniesWhenQuotaExhausted(t *testing.T) {
	t.Parallel()
	fs := newFakeLedgerStore()
	l := New(fs, nil, 2.0)
	auth := &coreauth.Auth{ID: "acc-1", UserID: "user-1", Shared: false}
	auth.Metadata = map[string]any{}
	quota.UpdateMetadata(auth.Metadata, "antigravity", map[string]quota.ModelQuota{
		"gemini-3-pro-high": {Percent: 0, UpdatedAt: time.Now()},
	}, time.Now())

	if l.Available(context.Background(), auth, "user-1", "gemini-3-pro-high") {
		t.Fatalf("expected account to be unavailable with zero quota")
	}
}

func TestAvailable_DeniesWhenSharedPoolEmpty(t *testing.T) {
	t.Parallel()
	fs := newFakeLedgerStore()
	fs.pools["user-1/gemini-3-pro"] = store.SharedPool{UserID: "user-1", ModelGroup: "gemini-3-pro", Quota: 0, MaxQuota: 2.0}
	l := New(fs, func(model string) string { return "gemini-3-pro" }, 2.0)

	auth := &coreauth.Auth{ID: "acc-1", UserID: "user-1", Shared: true, Metadata: map[string]any{}}
	quota.UpdateMetadata(auth.Metadata, "antigravity", map[string]quota.ModelQuota{
		"gemini-3-pro-high": {Percent: 0.5, UpdatedAt: time.Now()},
	}, time.Now())

	if l.Available(context.Background(), auth, "user-1", "gemini-3-pro-high") {
		t.Fatalf("expected account to be unavailable when the shared pool is empty")
	}
}

func TestRecoverDuePools_StopsAtMaxQuota(t *testing.T) {
	t.Parallel()
	fs := newFakeLedgerStore()
	fs.pools["user-1/model-a"] = store.SharedPool{UserID: "user-1", ModelGroup: "model-a", Quota: 2.0, MaxQuota: 2.0}
	l := New(fs, nil, 2.0)

	l.recoverDuePools(context.Background(), time.Hour, 0.5)
	if len(fs.recovered) != 0 {
		t.Fatalf("a pool already at max-quota should not be recovered further")
	}
}
