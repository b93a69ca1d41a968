// Package codec declares the Upstream Codec contract: translate one south-
// side Request into an upstream HTTP call and parse the response back into
// the caller's event shape, one implementation per provider (antigravity,
// kiro, qwen).
package codec

import (
	"context"
	"net/http"

	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
)

// Event is one unit of parsed upstream output, coarse enough to cover all
// three providers: Kiro's content/tool-call deltas, Antigravity's
// text/reasoning/inlineData/functionCall parts, and Qwen's OpenAI-shaped
// passthrough chunks.
type Event struct {
	Kind             string // "text", "reasoning", "inline_data", "function_call", "usage"
	Text             string
	InlineData       []byte
	InlineMimeType   string
	FunctionName     string
	FunctionArgs     []byte
	ToolUseID        string
	ThoughtSignature string
	UsageCredits     float64
	FinishReason     string
}

const (
	KindText         = "text"
	KindReasoning    = "reasoning"
	KindInlineData   = "inline_data"
	KindFunctionCall = "function_call"
	KindUsage        = "usage"
)

// Codec is one provider's Upstream Codec.
type Codec interface {
	// Provider names the codec ("antigravity", "kiro", "qwen").
	Provider() string
	// BuildRequest translates req into an authenticated upstream HTTP request.
	BuildRequest(ctx context.Context, auth *coreauth.Auth, req executor.Request, opts executor.Options) (*http.Request, error)
	// ParseNonStream parses a complete upstream response body.
	ParseNonStream(body []byte) (executor.Response, error)
	// ParseStreamChunk feeds one network read into the codec's buffering
	// parser and returns every event it could fully decode from it plus any
	// now-unconsumed tail is kept internally (codecs are stateful per call).
	ParseStreamChunk(chunk []byte) ([]Event, error)
}
