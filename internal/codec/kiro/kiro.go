// Package kiro is the Upstream Codec for Kiro (CodeWhisperer binary event
// stream): conversationState request shape and the framed binary response
// parser. Grounded directly in spec's literal wire-format description; no
// corpus example implements AWS's event-stream framing, so this is built
// from the spec text rather than adapted from a teacher file.
package kiro

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/sjson"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
)

const (
	minFrameLen = 16
	maxFrameLen = 16 * 1024 * 1024
	// prefixSize is total_len(4)+header_len(4), the part of the prelude we
	// read before deciding whether a full frame is buffered yet.
	prefixSize = 8
	// preludeSize is prefixSize plus the prelude's own 4-byte CRC, so headers
	// (and then payload) start at preludeSize+header_len, not prefixSize+
	// header_len — forgetting the prelude CRC shifts every payload slice 4
	// bytes early.
	preludeSize = 12
	crcSize     = 4
)

// Codec implements codec.Codec for Kiro.
type Codec struct {
	Region string

	buf bytes.Buffer
}

// New constructs a Kiro codec bound to a region (used to build the
// region-scoped host).
func New(region string) *Codec {
	if region == "" {
		region = "us-east-1"
	}
	return &Codec{Region: region}
}

func (c *Codec) Provider() string { return "kiro" }

// BuildRequest posts the conversationState tree with machine-id and
// region-scoped host headers.
func (c *Codec) BuildRequest(ctx context.Context, auth *coreauth.Auth, req executor.Request, opts executor.Options) (*http.Request, error) {
	if auth == nil {
		return nil, fmt.Errorf("kiro codec: missing auth")
	}
	accessToken, _ := auth.Metadata["access_token"].(string)
	if accessToken == "" {
		return nil, fmt.Errorf("kiro codec: missing access token")
	}
	machineID, _ := auth.Metadata["machine_id"].(string)
	region, _ := auth.Metadata["region"].(string)
	if region == "" {
		region = c.Region
	}

	payload, _ := sjson.SetBytes(req.Payload, "conversationState.currentMessage.userInputMessage.modelId", req.Model)
	payload = ensureNonEmptyToolDescriptions(payload)

	host := fmt.Sprintf("codewhisperer.%s.amazonaws.com", region)
	url := "https://" + host + "/generateAssistantResponse"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Host", host)
	if machineID != "" {
		httpReq.Header.Set("X-Amz-Machine-Id", machineID)
	}
	return httpReq, nil
}

// ensureNonEmptyToolDescriptions inserts a placeholder description for any
// toolSpecification whose description is blank: spec says upstream returns
// 400 otherwise.
func ensureNonEmptyToolDescriptions(payload []byte) []byte {
	tools := gjsonToolSpecs(payload)
	for i, desc := range tools {
		if desc != "" {
			continue
		}
		path := fmt.Sprintf("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools.%d.toolSpecification.description", i)
		payload, _ = sjson.SetBytes(payload, path, "No description provided.")
	}
	return payload
}

func gjsonToolSpecs(payload []byte) []string {
	var root struct {
		ConversationState struct {
			CurrentMessage struct {
				UserInputMessage struct {
					UserInputMessageContext struct {
						Tools []struct {
							ToolSpecification struct {
								Description string `json:"description"`
							} `json:"toolSpecification"`
						} `json:"tools"`
					} `json:"userInputMessageContext"`
				} `json:"userInputMessage"`
			} `json:"currentMessage"`
		} `json:"conversationState"`
	}
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil
	}
	tools := root.ConversationState.CurrentMessage.UserInputMessage.UserInputMessageContext.Tools
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.ToolSpecification.Description
	}
	return out
}

// ParseNonStream handles a non-streaming caller's response: Kiro always
// answers with the binary event stream, so the whole body is run through
// the frame parser and its text events are joined into a single
// {"content": ...} JSON payload.
func (c *Codec) ParseNonStream(body []byte) (executor.Response, error) {
	c.buf.Reset()
	events, err := c.ParseStreamChunk(body)
	if err != nil {
		return executor.Response{}, err
	}
	var sb bytes.Buffer
	for _, ev := range events {
		if ev.Kind == codec.KindText {
			sb.WriteString(ev.Text)
		}
	}
	out, errMarshal := json.Marshal(map[string]any{"content": sb.String()})
	if errMarshal != nil {
		return executor.Response{}, errMarshal
	}
	return executor.Response{Payload: out}, nil
}

// ParseStreamChunk drains every complete frame from the accumulated buffer,
// leaving partial bytes for the next call. An out-of-range total_len
// resyncs by shifting the buffer forward one byte, per spec.
func (c *Codec) ParseStreamChunk(chunk []byte) ([]codec.Event, error) {
	c.buf.Write(chunk)
	var events []codec.Event
	for {
		data := c.buf.Bytes()
		if len(data) < prefixSize {
			break
		}
		totalLen := binary.BigEndian.Uint32(data[0:4])
		headerLen := binary.BigEndian.Uint32(data[4:8])

		if totalLen < minFrameLen || totalLen > maxFrameLen {
			c.buf.Next(1)
			continue
		}
		if uint64(len(data)) < uint64(totalLen) {
			break // partial frame, wait for more bytes
		}
		frame := data[:totalLen]
		payloadStart := preludeSize + int(headerLen)
		payloadEnd := int(totalLen) - crcSize
		if payloadStart < preludeSize || payloadEnd <= payloadStart || payloadEnd > len(frame) {
			c.buf.Next(1)
			continue
		}
		payload := frame[payloadStart:payloadEnd]
		c.buf.Next(int(totalLen))

		ev, ok := decodeEventPayload(payload)
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func decodeEventPayload(payload []byte) (codec.Event, bool) {
	var decoded struct {
		Content   string          `json:"content"`
		Name      string          `json:"name"`
		ToolUseID string          `json:"toolUseId"`
		Input     json.RawMessage `json:"input"`
		CodeQuery string          `json:"codeQuery"`
		Usage     float64         `json:"usage"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return codec.Event{}, false
	}
	switch {
	case decoded.Content != "":
		return codec.Event{Kind: codec.KindText, Text: decoded.Content}, true
	case decoded.Name != "" || len(decoded.Input) > 0:
		return codec.Event{
			Kind:         codec.KindFunctionCall,
			FunctionName: decoded.Name,
			FunctionArgs: decoded.Input,
			ToolUseID:    decoded.ToolUseID,
		}, true
	case decoded.CodeQuery != "":
		return codec.Event{Kind: codec.KindFunctionCall, FunctionName: "codeQuery", Text: decoded.CodeQuery}, true
	case decoded.Usage != 0:
		return codec.Event{Kind: codec.KindUsage, UsageCredits: decoded.Usage}, true
	default:
		return codec.Event{}, false
	}
}
