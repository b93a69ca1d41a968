package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

type fakeAdminStore struct {
	accounts     []*coreauth.Auth
	statusCalls  map[string]coreauth.Status
	getErr       error
}

func (f *fakeAdminStore) ListAll(_ context.Context) ([]*coreauth.Auth, error) {
	return f.accounts, nil
}

func (f *fakeAdminStore) GetByID(_ context.Context, provider, id string) (*coreauth.Auth, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, a := range f.accounts {
		if a.Provider == provider && a.ID == id {
			return a, nil
		}
	}
	return nil, errNotFoundForTest
}

func (f *fakeAdminStore) UpdateStatus(_ context.Context, provider, id string, status coreauth.Status) error {
	if f.statusCalls == nil {
		f.statusCalls = make(map[string]coreauth.Status)
	}
	f.statusCalls[provider+"/"+id] = status
	return nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errNotFoundForTest = testErr("not found")

func newAdminTestRouter(store *fakeAdminStore) *gin.Engine {
	admin := NewAdmin(store)
	r := gin.New()
	r.GET("/admin/accounts", admin.ListAccounts)
	r.GET("/admin/accounts/:provider/:id", admin.GetAccount)
	r.POST("/admin/accounts/:provider/:id/status", admin.SetAccountStatus)
	return r
}

func TestListAccounts_FiltersByProvider(t *testing.T) {
	t.Parallel()
	store := &fakeAdminStore{accounts: []*coreauth.Auth{
		{ID: "a1", Provider: "antigravity"},
		{ID: "k1", Provider: "kiro"},
	}}
	r := newAdminTestRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/admin/accounts?provider=kiro", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "k1") || strings.Contains(w.Body.String(), "a1") {
		t.Fatalf("expected only kiro account in filtered list, got %s", w.Body.String())
	}
}

func TestSetAccountStatus_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	store := &fakeAdminStore{accounts: []*coreauth.Auth{{ID: "a1", Provider: "antigravity"}}}
	r := newAdminTestRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/antigravity/a1/status", strings.NewReader(`{"status":"bogus"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status, got %d", w.Code)
	}
}

func TestSetAccountStatus_DisablesAccount(t *testing.T) {
	t.Parallel()
	store := &fakeAdminStore{accounts: []*coreauth.Auth{{ID: "a1", Provider: "antigravity"}}}
	r := newAdminTestRouter(store)

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/antigravity/a1/status", strings.NewReader(`{"status":"disabled"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if store.statusCalls["antigravity/a1"] != coreauth.StatusDisabled {
		t.Fatalf("expected account disabled, got %v", store.statusCalls)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	t.Parallel()
	store := &fakeAdminStore{}
	r := newAdminTestRouter(store)

	req := httptest.NewRequest(http.MethodGet, "/admin/accounts/antigravity/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
