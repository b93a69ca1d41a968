package tokenmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

type fakeStore struct {
	mu            sync.Mutex
	updated       map[string]string
	disabled      map[string]bool
	needsReauth   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		updated:     make(map[string]string),
		disabled:    make(map[string]bool),
		needsReauth: make(map[string]bool),
	}
}

func (f *fakeStore) UpdateToken(_ context.Context, _, id, accessToken string, _ time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated[id] = accessToken
	return nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, _, id string, status coreauth.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[id] = status == coreauth.StatusDisabled
	return nil
}

func (f *fakeStore) MarkNeedsReauth(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsReauth[id] = true
	return nil
}

func newTestAuth(id string) *coreauth.Auth {
	return &coreauth.Auth{
		ID:       id,
		Provider: "antigravity",
		Status:   coreauth.StatusEnabled,
		Metadata: map[string]any{
			"refresh_token": "rt-" + id,
			"expires_at":    time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano),
		},
	}
}

func TestEnsureFresh_SkipsWhenFarFromExpiry(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := NewManager(coreauth.NewManager(nil), store, nil, nil)
	var called int32
	mgr.SetRefreshFunc("antigravity", func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		atomic.AddInt32(&called, 1)
		return RefreshResult{AccessToken: "new", ExpiresIn: time.Hour}, nil
	})

	auth := newTestAuth("acc-1")
	auth.Metadata["expires_at"] = time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)

	out, err := mgr.EnsureFresh(context.Background(), auth)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if out != auth {
		t.Fatalf("expected unchanged auth, got a refreshed copy")
	}
	if atomic.LoadInt32(&called) != 0 {
		t.Fatalf("refresher should not be called when token is far from expiry")
	}
}

func TestForceRefresh_Success(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := NewManager(coreauth.NewManager(nil), store, nil, nil)
	mgr.SetRefreshFunc("antigravity", func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		return RefreshResult{AccessToken: "fresh-token", RefreshToken: "rotated-rt", ExpiresIn: time.Hour}, nil
	})

	auth := newTestAuth("acc-2")
	out, err := mgr.ForceRefresh(context.Background(), auth)
	if err != nil {
		t.Fatalf("ForceRefresh: %v", err)
	}
	if out.Metadata["access_token"] != "fresh-token" {
		t.Fatalf("expected access token to be updated, got %v", out.Metadata["access_token"])
	}
	if out.Metadata["refresh_token"] != "rotated-rt" {
		t.Fatalf("expected rotated refresh token to be stored")
	}
	if store.updated["acc-2"] != "fresh-token" {
		t.Fatalf("expected the account store to be written through")
	}
}

func TestForceRefresh_InvalidGrantDisablesAccount(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := NewManager(coreauth.NewManager(nil), store, nil, nil)
	mgr.SetRefreshFunc("antigravity", func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		return RefreshResult{}, &invalidGrantError{detail: "token revoked"}
	})

	auth := newTestAuth("acc-3")
	out, err := mgr.ForceRefresh(context.Background(), auth)
	authErr, ok := err.(*coreauth.Error)
	if !ok || authErr.Code != "invalid_grant" {
		t.Fatalf("expected an invalid_grant auth error, got %v (%T)", err, err)
	}
	if !out.Disabled() {
		t.Fatalf("expected the account to be disabled in memory")
	}
	if !store.disabled["acc-3"] {
		t.Fatalf("expected the account store to record the account as disabled")
	}
}

func TestForceRefresh_TransientMarksNeedsReauth(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := NewManager(coreauth.NewManager(nil), store, nil, nil)
	mgr.SetRefreshFunc("antigravity", func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		return RefreshResult{}, errTransient
	})

	auth := newTestAuth("acc-4")
	out, err := mgr.ForceRefresh(context.Background(), auth)
	authErr, ok := err.(*coreauth.Error)
	if !ok || authErr.Code != "refresh_failed" {
		t.Fatalf("expected a refresh_failed auth error, got %v (%T)", err, err)
	}
	if out.Disabled() {
		t.Fatalf("a transient refresh failure must not disable the account")
	}
	if !out.NeedsReauth {
		t.Fatalf("expected NeedsReauth to be set")
	}
	if !store.needsReauth["acc-4"] {
		t.Fatalf("expected the account store to record needs-reauth")
	}
}

func TestForceRefresh_SerializesPerAccount(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	mgr := NewManager(coreauth.NewManager(nil), store, nil, nil)

	var inFlight int32
	var maxInFlight int32
	mgr.SetRefreshFunc("antigravity", func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return RefreshResult{AccessToken: "tok", ExpiresIn: time.Hour}, nil
	})

	auth := newTestAuth("acc-5")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.ForceRefresh(context.Background(), auth); err != nil {
				t.Errorf("ForceRefresh: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("expected at most one in-flight refresh per account, saw %d concurrently", got)
	}
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errTransient = &sentinelError{msg: "upstream unavailable"}
