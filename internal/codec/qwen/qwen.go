// Package qwen is the Upstream Codec for Qwen: an OpenAI-shaped
// chat/completions passthrough, JSON or SSE depending on the caller's
// stream flag, forwarded through with no translation.
package qwen

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
)

// Codec implements codec.Codec for Qwen.
type Codec struct {
	buf bytes.Buffer
}

func New() *Codec { return &Codec{} }

func (c *Codec) Provider() string { return "qwen" }

// BuildRequest posts the (already OpenAI-shaped) payload to the account's
// own resource-url, since Qwen accounts are tenant-scoped.
func (c *Codec) BuildRequest(ctx context.Context, auth *coreauth.Auth, req executor.Request, opts executor.Options) (*http.Request, error) {
	if auth == nil {
		return nil, fmt.Errorf("qwen codec: missing auth")
	}
	accessToken, _ := auth.Metadata["access_token"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("qwen codec: missing access token")
	}
	resourceURL, _ := auth.Metadata["resource_url"].(string)
	if resourceURL == "" {
		resourceURL = "https://chat.qwen.ai"
	}
	url := strings.TrimSuffix(resourceURL, "/") + "/v1/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	if opts.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	return httpReq, nil
}

// ParseNonStream forwards the JSON body unchanged; Qwen is OpenAI-shaped
// and needs no south-side translation.
func (c *Codec) ParseNonStream(body []byte) (executor.Response, error) {
	return executor.Response{Payload: body}, nil
}

// ParseStreamChunk forwards each already-SSE-framed `data: ...` line as a
// single text event, buffering across network chunks the same way the
// Antigravity codec does.
func (c *Codec) ParseStreamChunk(chunk []byte) ([]codec.Event, error) {
	c.buf.Write(chunk)
	var events []codec.Event
	for {
		data := c.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(bytes.TrimRight(data[:idx], "\r"))
		c.buf.Next(idx + 1)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if string(payload) == "[DONE]" {
			continue
		}
		events = append(events, codec.Event{Kind: codec.KindText, Text: string(payload)})
	}
	return events, nil
}
