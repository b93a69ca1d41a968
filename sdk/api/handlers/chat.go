package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	"github.com/aigatewayhq/upstream-gateway/internal/dispatch"
)

// serveChat is the shared core behind the three south-side compat
// endpoints: read the raw body, resolve the target provider from its model
// field, and dispatch either as a buffered response or an SSE stream.
// sourceFormat is carried through to the Upstream Codec unchanged (any
// cross-format translation is an external collaborator's responsibility,
// not this gateway's).
func (h *Handler) serveChat(c *gin.Context, sourceFormat string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	model := modelFromPayload(body)
	if model == "" {
		writeError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	stream := streamFlagFromPayload(body)
	provider := h.providerForModel(model)

	req := dispatch.Request{
		UserID:          userIDFromRequest(c),
		Provider:        provider,
		Model:           model,
		PreferDedicated: true,
		Payload:         body,
		SourceFormat:    sourceFormat,
		Stream:          stream,
	}

	if stream {
		h.serveStream(c, req)
		return
	}
	h.serveBuffered(c, req)
}

func (h *Handler) serveBuffered(c *gin.Context, req dispatch.Request) {
	var events []codec.Event
	_, err := h.engine.Dispatch(c.Request.Context(), req, func(ev codec.Event) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		logDispatchError(req.Provider, req.Model, err)
		status, code := statusForTaxonomy(err)
		writeError(c, status, code, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) serveStream(c *gin.Context, req dispatch.Request) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	_, err := h.engine.Dispatch(c.Request.Context(), req, func(ev codec.Event) error {
		payload, marshalErr := marshalEvent(ev)
		if marshalErr != nil {
			return marshalErr
		}
		writeSSEEvent(c, payload)
		return nil
	})
	if err != nil {
		logDispatchError(req.Provider, req.Model, err)
		payload, _ := marshalEvent(codec.Event{Kind: "error", Text: err.Error()})
		writeSSEEvent(c, payload)
		return
	}
	_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
	c.Writer.Flush()
}
