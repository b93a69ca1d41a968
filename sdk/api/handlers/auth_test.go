package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestBearerAuth_RejectsMissingAndUnknownKeys(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(BearerAuth(map[string]string{"sk-good": "user-1"}))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString("user_id")) })

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown", "Bearer sk-bad", http.StatusUnauthorized},
		{"valid", "Bearer sk-good", http.StatusOK},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
			}
		})
	}
}

func TestAdminAuth_RequiresExactMatch(t *testing.T) {
	t.Parallel()
	r := gin.New()
	r.Use(AdminAuth("admin-secret"))
	r.GET("/admin/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct admin key, got %d", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req2.Header.Set("Authorization", "Bearer wrong")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong admin key, got %d", w2.Code)
	}
}
