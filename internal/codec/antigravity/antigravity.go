// Package antigravity is the Upstream Codec for the Antigravity (Gemini
// family) provider: SSE request/response, project-id injection, and the
// thinking-model streaming-endpoint-even-for-non-stream-callers rule.
package antigravity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
)

const (
	generatePath = ":generateContent"
	streamPath   = ":streamGenerateContent"
	defaultAgent = "antigravity/1.11.5 windows/amd64"
)

// Codec implements codec.Codec for Antigravity.
type Codec struct {
	BaseURL string

	buf          bytes.Buffer
	finishReason string
	toolCalls    []codec.Event
}

// New constructs an Antigravity codec. baseURL defaults to the public
// Antigravity endpoint when empty.
func New(baseURL string) *Codec {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	}
	return &Codec{BaseURL: strings.TrimSuffix(baseURL, "/")}
}

func (c *Codec) Provider() string { return "antigravity" }

// forcesStream reports whether model must use the streamGenerateContent
// endpoint even for nominally-non-streaming callers, per spec: gemini-3-pro*
// and claude* models see an elevated 503 rate on generateContent directly.
func forcesStream(model string) bool {
	return strings.HasPrefix(model, "gemini-3-pro") || strings.Contains(model, "claude")
}

// BuildRequest injects the account's project-id and picks generateContent
// vs streamGenerateContent per spec's forced-stream rule.
func (c *Codec) BuildRequest(ctx context.Context, auth *coreauth.Auth, req executor.Request, opts executor.Options) (*http.Request, error) {
	if auth == nil {
		return nil, fmt.Errorf("antigravity codec: missing auth")
	}
	accessToken, _ := auth.Metadata["access_token"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("antigravity codec: missing access token")
	}
	projectID, _ := auth.Metadata["project_id"].(string)

	payload := req.Payload
	if projectID != "" {
		payload, _ = sjson.SetBytes(payload, "project", projectID)
	}
	payload, _ = sjson.SetBytes(payload, "model", req.Model)

	useStreamEndpoint := opts.Stream || forcesStream(req.Model)
	path := generatePath
	url := fmt.Sprintf("%s/%s%s", c.BaseURL, req.Model, path)
	if useStreamEndpoint {
		path = streamPath
		url = fmt.Sprintf("%s/%s%s?alt=sse", c.BaseURL, req.Model, path)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("User-Agent", defaultAgent)
	if useStreamEndpoint {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	return httpReq, nil
}

// ParseNonStream handles a direct (non-forced-stream) generateContent
// response: a single JSON envelope, not SSE-framed.
func (c *Codec) ParseNonStream(body []byte) (executor.Response, error) {
	return executor.Response{Payload: body}, nil
}

// ParseStreamChunk buffers network reads and only decodes complete
// `\n`-terminated `data:` lines, per spec's truncated-JSON protection.
func (c *Codec) ParseStreamChunk(chunk []byte) ([]codec.Event, error) {
	c.buf.Write(chunk)
	var events []codec.Event
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		c.buf.Next(idx + 1)

		line = bytes.TrimRight(line, "\r")
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if string(payload) == "[DONE]" {
			continue
		}
		evs, err := c.decodeEnvelope(payload)
		if err != nil {
			return events, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func (c *Codec) decodeEnvelope(payload []byte) ([]codec.Event, error) {
	candidates := gjson.GetBytes(payload, "response.candidates")
	if !candidates.Exists() {
		candidates = gjson.GetBytes(payload, "candidates")
	}
	if !candidates.IsArray() {
		return nil, nil
	}

	var events []codec.Event
	for _, cand := range candidates.Array() {
		if reason := cand.Get("finishReason"); reason.Exists() {
			c.finishReason = reason.String()
		}
		parts := cand.Get("content.parts")
		if !parts.IsArray() {
			continue
		}
		for _, part := range parts.Array() {
			ev, ok := decodePart(part)
			if !ok {
				continue
			}
			if ev.Kind == codec.KindFunctionCall {
				c.toolCalls = append(c.toolCalls, ev)
			}
			events = append(events, ev)
		}
	}
	if c.finishReason != "" && len(c.toolCalls) > 0 {
		events = append(events, codec.Event{Kind: codec.KindFunctionCall, FinishReason: c.finishReason})
		c.toolCalls = nil
	}
	return events, nil
}

// decodePart emits one of {text, reasoning (thought=true), inlineData,
// functionCall} per part, suppressing empty non-thought text (spec's
// "Tool/side rules common to all codecs").
func decodePart(part gjson.Result) (codec.Event, bool) {
	signature := part.Get("thoughtSignature").String()
	if fc := part.Get("functionCall"); fc.Exists() {
		return codec.Event{
			Kind:             codec.KindFunctionCall,
			FunctionName:     fc.Get("name").String(),
			FunctionArgs:     []byte(fc.Get("args").Raw),
			ThoughtSignature: signature,
		}, true
	}
	if inline := part.Get("inlineData"); inline.Exists() {
		return codec.Event{
			Kind:           codec.KindInlineData,
			InlineMimeType: inline.Get("mimeType").String(),
			InlineData:     []byte(inline.Get("data").String()),
		}, true
	}
	text := part.Get("text").String()
	thought := part.Get("thought").Bool()
	if text == "" {
		return codec.Event{}, false
	}
	kind := codec.KindText
	if thought {
		kind = codec.KindReasoning
	}
	return codec.Event{Kind: kind, Text: text, ThoughtSignature: signature}, true
}

// CoalesceForNonStream groups consecutive same-kind text/reasoning events
// into single emissions, the conversion spec's image path requires when
// turning a streamed Antigravity response into a non-stream shape.
func CoalesceForNonStream(events []codec.Event) []codec.Event {
	var out []codec.Event
	var run []codec.Event
	flush := func() {
		if len(run) == 0 {
			return
		}
		var sb strings.Builder
		for _, e := range run {
			sb.WriteString(e.Text)
		}
		merged := run[0]
		merged.Text = sb.String()
		out = append(out, merged)
		run = nil
	}
	for _, ev := range events {
		switch ev.Kind {
		case codec.KindText, codec.KindReasoning:
			if len(run) > 0 && run[0].Kind != ev.Kind {
				flush()
			}
			run = append(run, ev)
		default:
			flush()
			out = append(out, ev)
		}
	}
	flush()
	return out
}

// BuildNonStreamResponse assembles the aggregate JSON payload a caller
// expects from a forced-stream-then-locally-reaggregated Antigravity call.
func BuildNonStreamResponse(events []codec.Event) ([]byte, error) {
	merged := CoalesceForNonStream(events)
	parts := make([]map[string]any, 0, len(merged))
	var toolCalls []map[string]any
	for _, ev := range merged {
		switch ev.Kind {
		case codec.KindText:
			parts = append(parts, map[string]any{"text": ev.Text})
		case codec.KindReasoning:
			parts = append(parts, map[string]any{"text": ev.Text, "thought": true})
		case codec.KindInlineData:
			parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": ev.InlineMimeType, "data": string(ev.InlineData)}})
		case codec.KindFunctionCall:
			if ev.FunctionName != "" {
				var args any
				_ = json.Unmarshal(ev.FunctionArgs, &args)
				toolCalls = append(toolCalls, map[string]any{"name": ev.FunctionName, "args": args})
			}
		}
	}
	out := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{"role": "model", "parts": parts},
		}},
	}
	if len(toolCalls) > 0 {
		out["tool_calls"] = toolCalls
	}
	return json.Marshal(out)
}
