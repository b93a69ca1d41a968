package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	"github.com/aigatewayhq/upstream-gateway/internal/dispatch"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDispatcher struct {
	events []codec.Event
	err    error
	gotReq dispatch.Request
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request, emit dispatch.EventHandler) (*dispatch.Result, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return nil, err
		}
	}
	return &dispatch.Result{AccountID: "acc-1", Provider: req.Provider, Events: len(f.events)}, nil
}

func newTestRouter(d *fakeDispatcher) *gin.Engine {
	h := New(d, map[string]string{"my-custom-model": "qwen"}, "antigravity")
	r := gin.New()
	r.POST("/v1/chat/completions", h.ChatCompletions)
	r.POST("/v1/messages", h.Messages)
	return r
}

func TestChatCompletions_BufferedSuccess(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{events: []codec.Event{{Kind: codec.KindText, Text: "hello"}}}
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"claude-opus-4-5-20251101","stream":false}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body=%s)", w.Code, w.Body.String())
	}
	if d.gotReq.Provider != "antigravity" {
		t.Fatalf("expected default provider antigravity, got %q", d.gotReq.Provider)
	}
}

func TestChatCompletions_ProviderOverrideFromConfig(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{events: []codec.Event{{Kind: codec.KindText, Text: "hi"}}}
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"my-custom-model","stream":false}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if d.gotReq.Provider != "qwen" {
		t.Fatalf("expected configured provider override qwen, got %q", d.gotReq.Provider)
	}
}

func TestChatCompletions_MissingModelIsBadRequest(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"stream":false}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model, got %d", w.Code)
	}
}

func TestChatCompletions_DispatchTaxonomyErrorMapsStatus(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{err: &dispatch.TaxonomyError{Class: "resource_exhausted", Code: "resource_exhausted"}}
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"claude-opus-4-5-20251101","stream":false}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for resource_exhausted taxonomy class, got %d", w.Code)
	}
}

func TestMessages_StreamsSSE(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{events: []codec.Event{{Kind: codec.KindText, Text: "partial"}}}
	r := newTestRouter(d)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"claude-opus-4-5-20251101","stream":true}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content-type, got %q", ct)
	}
	if !strings.Contains(w.Body.String(), "[DONE]") {
		t.Fatalf("expected stream to end with [DONE] sentinel, got %q", w.Body.String())
	}
}
