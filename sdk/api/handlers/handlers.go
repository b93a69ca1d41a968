// Package handlers adapts the caller-facing OpenAI/Anthropic/Gemini-compat
// HTTP surfaces onto the Dispatch Engine, wrapping each request body in a
// dispatch.Request tagged with its source format. Responses are not reshaped
// per wire format: every surface gets the JSON-encoded codec events, as SSE
// "data:" frames when streaming or {"events":[...]} when buffered.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	"github.com/aigatewayhq/upstream-gateway/internal/dispatch"
)

// Dispatcher is the subset of *dispatch.Engine the handlers call.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, emit dispatch.EventHandler) (*dispatch.Result, error)
}

// Handler wires south-side HTTP requests onto the Dispatch Engine. Model
// alias resolution happens inside the Dispatch Engine itself (it needs the
// selected account's id for its third fallback tier); this layer only needs
// to decide which provider channel a requested model belongs to.
type Handler struct {
	engine          Dispatcher
	modelProviders  map[string]string // requested model -> provider, operator-configured
	defaultProvider string
}

// New constructs a Handler. modelProviders is typically built once from
// config.Config.ModelProviders at startup; defaultProvider is used for any
// model not present in that table.
func New(engine Dispatcher, modelProviders map[string]string, defaultProvider string) *Handler {
	if defaultProvider == "" {
		defaultProvider = "antigravity"
	}
	return &Handler{engine: engine, modelProviders: modelProviders, defaultProvider: defaultProvider}
}

// providerForModel resolves which upstream channel should serve a
// caller-facing model name: an operator-configured override, then the
// built-in builtinClaudeProviders table, then a name-prefix heuristic, then
// the configured default.
func (h *Handler) providerForModel(model string) string {
	if p, ok := h.modelProviders[model]; ok && p != "" {
		return p
	}
	if p, ok := builtinClaudeProviders[model]; ok {
		return p
	}
	switch {
	case strings.HasPrefix(model, "qwen"):
		return "qwen"
	case strings.HasPrefix(model, "kiro-"):
		return "kiro"
	default:
		return h.defaultProvider
	}
}

// userIDFromRequest reads the calling user id a reverse proxy or auth
// middleware is expected to have stamped onto the request context; falls
// back to a single shared tenant when absent (matches spec's single-tenant
// deployment mode).
func userIDFromRequest(c *gin.Context) string {
	if uid := c.GetString("user_id"); uid != "" {
		return uid
	}
	return "default"
}

func writeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"type":    errType,
			"message": message,
		},
	})
}

// statusForTaxonomy maps a dispatch error's class to an HTTP status; falls
// back to 502 for anything it doesn't recognize as a caller-facing 4xx.
func statusForTaxonomy(err error) (int, string) {
	taxErr, ok := err.(*dispatch.TaxonomyError)
	if !ok {
		return http.StatusBadGateway, "upstream_error"
	}
	switch taxErr.Class {
	case "request_fatal":
		return http.StatusBadRequest, taxErr.Code
	case "resource_exhausted":
		return http.StatusTooManyRequests, taxErr.Code
	default:
		return http.StatusBadGateway, taxErr.Code
	}
}

func logDispatchError(provider, model string, err error) {
	log.WithError(err).Warnf("handlers: dispatch failed (provider=%s model=%s)", provider, model)
}

// writeSSEEvent writes one JSON-encoded upstream event as a caller-facing
// SSE "data:" frame. The frame is the same for every wire format; no
// format-specific reshaping is applied.
func writeSSEEvent(c *gin.Context, payload []byte) {
	_, _ = c.Writer.Write([]byte("data: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func modelFromPayload(payload []byte) string {
	return gjson.GetBytes(payload, "model").String()
}

func streamFlagFromPayload(payload []byte) bool {
	return gjson.GetBytes(payload, "stream").Bool()
}

func marshalEvent(ev codec.Event) ([]byte, error) {
	return json.Marshal(ev)
}
