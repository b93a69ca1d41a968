package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	"github.com/aigatewayhq/upstream-gateway/internal/ledger"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

type fakeStore struct {
	dedicated []*coreauth.Auth
	shared    []*coreauth.Auth

	disabled     []string
	projectCalls []string
}

func (f *fakeStore) GetAvailable(ctx context.Context, provider, userID string, sharedOnly bool) ([]*coreauth.Auth, error) {
	if sharedOnly {
		return f.shared, nil
	}
	return f.dedicated, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, provider, id string, status coreauth.Status) error {
	if status == coreauth.StatusDisabled {
		f.disabled = append(f.disabled, id)
	}
	return nil
}

func (f *fakeStore) UpdateProjectIds(ctx context.Context, cookieID, projectID string, isRestricted, ineligible bool, paidTier string) error {
	f.projectCalls = append(f.projectCalls, cookieID)
	return nil
}

type fakeTokenManager struct {
	// failWith maps account id -> error to return instead of passing through.
	failWith map[string]error
}

func (f *fakeTokenManager) EnsureFresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	if err, ok := f.failWith[auth.ID]; ok {
		return nil, err
	}
	return auth, nil
}

type fakeLedger struct {
	unavailable map[string]bool
	consumed    []string
}

func (f *fakeLedger) Available(ctx context.Context, auth *coreauth.Auth, userID, model string) bool {
	return !f.unavailable[auth.ID]
}

func (f *fakeLedger) RecordConsumption(ctx context.Context, userID, accountID, model string, before, after float64, shared bool) error {
	f.consumed = append(f.consumed, accountID)
	return nil
}

func (f *fakeLedger) MaybeRefresh(ctx context.Context, auth *coreauth.Auth, model string, refresh ledger.RefreshFunc) {
}

func newTestAccount(id string, baseURL string) *coreauth.Auth {
	return &coreauth.Auth{
		ID:       id,
		UserID:   "user-1",
		Provider: "antigravity",
		Status:   coreauth.StatusEnabled,
		Metadata: map[string]any{
			"access_token": "token-" + id,
			"project_id":   "proj-" + id,
		},
	}
}

func okAntigravityBody() string {
	return `{"candidates":[{"content":{"parts":[{"text":"hello"}]},"finishReason":"STOP"}]}`
}

func newEngine(store *fakeStore, tm *fakeTokenManager, led *fakeLedger, endpointURL string) *Engine {
	e := New(store, tm, led, http.DefaultClient, map[string][]Endpoint{
		"antigravity": {{BaseURL: endpointURL}},
	})
	e.rand = func(n int) int { return 0 }
	return e
}

func TestDispatch_HappyPathDedicatedAccount(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okAntigravityBody()))
	}))
	defer srv.Close()

	acct := newTestAccount("acct-1", srv.URL)
	store := &fakeStore{dedicated: []*coreauth.Auth{acct}}
	tm := &fakeTokenManager{}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, srv.URL)

	var events []codec.Event
	result, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro", PreferDedicated: true}, func(ev codec.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.AccountID != "acct-1" {
		t.Fatalf("expected acct-1, got %s", result.AccountID)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one event")
	}
	if len(led.consumed) != 1 || led.consumed[0] != "acct-1" {
		t.Fatalf("expected one consumption record for acct-1, got %v", led.consumed)
	}
}

func TestDispatch_QuotaSwapThenSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "token-acct-1") {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okAntigravityBody()))
	}))
	defer srv.Close()

	acct1 := newTestAccount("acct-1", srv.URL)
	acct2 := newTestAccount("acct-2", srv.URL)
	store := &fakeStore{dedicated: []*coreauth.Auth{acct1, acct2}}
	tm := &fakeTokenManager{}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, srv.URL)

	result, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro", PreferDedicated: true}, func(codec.Event) error { return nil })
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.AccountID != "acct-2" {
		t.Fatalf("expected swap to acct-2, got %s", result.AccountID)
	}
	if len(store.disabled) != 0 {
		t.Fatalf("quota swap must not disable the account, disabled=%v", store.disabled)
	}
}

func TestDispatch_InvalidGrantThenSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okAntigravityBody()))
	}))
	defer srv.Close()

	acct1 := newTestAccount("acct-1", srv.URL)
	acct2 := newTestAccount("acct-2", srv.URL)
	store := &fakeStore{dedicated: []*coreauth.Auth{acct1, acct2}}
	tm := &fakeTokenManager{failWith: map[string]error{
		"acct-1": &coreauth.Error{Code: "invalid_grant", Message: "refresh token revoked"},
	}}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, srv.URL)

	result, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro", PreferDedicated: true}, func(codec.Event) error { return nil })
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.AccountID != "acct-2" {
		t.Fatalf("expected fallback to acct-2, got %s", result.AccountID)
	}
}

func TestDispatch_AllEndpoints403PermissionDeniedDoesNotDisable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"status":"PERMISSION_DENIED","message":"The caller does not have permission"}}`))
	}))
	defer srv.Close()

	acct := newTestAccount("acct-1", srv.URL)
	store := &fakeStore{dedicated: []*coreauth.Auth{acct}}
	tm := &fakeTokenManager{}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, srv.URL)

	_, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro", PreferDedicated: true}, func(codec.Event) error { return nil })
	if err == nil {
		t.Fatalf("expected a terminal error")
	}
	if len(store.disabled) != 0 {
		t.Fatalf("permission-denied 403 must not disable the account, disabled=%v", store.disabled)
	}
}

func TestDispatch_AllEndpoints403GenericDisablesAccount(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"status":"FORBIDDEN","message":"account suspended"}}`))
	}))
	defer srv.Close()

	acct := newTestAccount("acct-1", srv.URL)
	store := &fakeStore{dedicated: []*coreauth.Auth{acct}}
	tm := &fakeTokenManager{}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, srv.URL)

	_, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro", PreferDedicated: true}, func(codec.Event) error { return nil })
	if err == nil {
		t.Fatalf("expected a terminal error")
	}
	if len(store.disabled) != 1 || store.disabled[0] != "acct-1" {
		t.Fatalf("expected acct-1 disabled, got %v", store.disabled)
	}
}

func TestDispatch_ProjectInvalidOnceThenSuccess(t *testing.T) {
	t.Parallel()
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		if attempt == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"status":"RESOURCE_PROJECT_INVALID","message":"project id stale"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okAntigravityBody()))
	}))
	defer srv.Close()

	acct := newTestAccount("acct-1", srv.URL)
	store := &fakeStore{dedicated: []*coreauth.Auth{acct}}
	tm := &fakeTokenManager{}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, srv.URL)
	e.ProjectMint = func(ctx context.Context, auth *coreauth.Auth) (string, bool, bool, string, error) {
		return "fresh-project", false, false, "", nil
	}

	result, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro", PreferDedicated: true}, func(codec.Event) error { return nil })
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.AccountID != "acct-1" {
		t.Fatalf("expected same account retried, got %s", result.AccountID)
	}
	if attempt != 2 {
		t.Fatalf("expected exactly 2 upstream attempts, got %d", attempt)
	}
	if len(store.projectCalls) != 1 {
		t.Fatalf("expected one project id mint, got %v", store.projectCalls)
	}
}

func TestDispatch_NoAvailableAccountReturnsResourceExhausted(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	tm := &fakeTokenManager{}
	led := &fakeLedger{}
	e := newEngine(store, tm, led, "http://unused")

	_, err := e.Dispatch(context.Background(), Request{UserID: "user-1", Provider: "antigravity", Model: "gemini-2.5-pro"}, func(codec.Event) error { return nil })
	if err == nil {
		t.Fatalf("expected an error when no account is available")
	}
	if !strings.Contains(err.Error(), "resource_exhausted") {
		t.Fatalf("expected resource_exhausted error, got %v", err)
	}
}
