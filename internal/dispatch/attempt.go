package dispatch

import (
	"context"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	antigravitycodec "github.com/aigatewayhq/upstream-gateway/internal/codec/antigravity"
	kirocodec "github.com/aigatewayhq/upstream-gateway/internal/codec/kiro"
	qwencodec "github.com/aigatewayhq/upstream-gateway/internal/codec/qwen"
	"github.com/aigatewayhq/upstream-gateway/internal/registry"
	"github.com/aigatewayhq/upstream-gateway/internal/tokencount"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
)

var (
	claudeEstimator  = tokencount.NewClaudeEstimator()
	openaiCounter, _ = tokencount.NewOpenAICounter()
)

// logPreflightTokenEstimate emits a pre-flight token estimate before the
// upstream call, using the Claude char-unit heuristic for Antigravity's
// Gemini/Claude wire shape and the real BPE count for Qwen's OpenAI shape.
func logPreflightTokenEstimate(provider string, payload []byte) {
	switch provider {
	case "antigravity":
		total := claudeEstimator.EstimateTotal(payload)
		log.Debugf("dispatch: preflight estimate (antigravity) = %d tokens", total)
	case "qwen":
		if openaiCounter == nil {
			return
		}
		n, err := openaiCounter.CountMessages(payload)
		if err != nil {
			log.WithError(err).Debug("dispatch: preflight token count failed")
			return
		}
		log.Debugf("dispatch: preflight estimate (qwen) = %d tokens", n)
	}
}

// accountOutcome is the result of one account's pass through every
// configured endpoint, per spec's retry matrix (§4.5).
type accountOutcome int

const (
	// outcomeSuccess: the stream completed; consumption was recorded.
	outcomeSuccess accountOutcome = iota
	// outcomeQuotaSwap: quota/429 exhausted on every endpoint tried; swap
	// to a different account without disabling this one.
	outcomeQuotaSwap
	// outcomeProjectInvalid: Antigravity rejected the account's project
	// id; the caller decides whether to mint a fresh one or give up.
	outcomeProjectInvalid
	// outcomeTerminalDisable: stop the whole request, disabling the
	// account, and surface the carried error to the caller.
	outcomeTerminalDisable
	// outcomeTerminalNoDisable: stop the whole request without disabling
	// the account, and surface the carried error to the caller.
	outcomeTerminalNoDisable
)

func (e *Engine) newCodec(provider string, ep Endpoint) codec.Codec {
	switch provider {
	case "antigravity":
		return antigravitycodec.New(ep.BaseURL)
	case "kiro":
		return kirocodec.New(ep.Region)
	case "qwen":
		return qwencodec.New()
	default:
		return nil
	}
}

// attemptAccount drives one account through its provider's configured
// endpoints in order, classifying each upstream response per spec's retry
// matrix, and returns once the account either succeeds, must be swapped
// out, or the whole request must terminate.
func (e *Engine) attemptAccount(ctx context.Context, account *coreauth.Auth, req Request, emit EventHandler) (accountOutcome, *Result, error) {
	endpoints := e.Endpoints[req.Provider]
	if len(endpoints) == 0 {
		endpoints = []Endpoint{{}}
	}

	// firstError403Type latches the *first* 403's class for this account,
	// per spec: "permission-denied is sticky per account, not per
	// endpoint" — later endpoints' 403 class does not override it.
	firstError403Type := ""
	sawAny403 := false

	logPreflightTokenEstimate(req.Provider, req.Payload)

	upstreamModel := registry.ResolveModel(e.ModelRegistry, req.Provider, account.ID, req.Model, e.ModelAlias[req.Provider])

	for _, ep := range endpoints {
		c := e.newCodec(req.Provider, ep)
		httpReq, err := c.BuildRequest(ctx, account, executor.Request{Model: upstreamModel, Payload: req.Payload}, executor.Options{SourceFormat: req.SourceFormat, Stream: req.Stream})
		if err != nil {
			return outcomeTerminalNoDisable, nil, &TaxonomyError{Class: "request_fatal", Code: "build_request_failed", Message: err.Error()}
		}

		resp, body, err := e.do(httpReq)
		if err != nil {
			return outcomeTerminalNoDisable, nil, &TaxonomyError{Class: "transient", Code: "network_error", Message: err.Error()}
		}

		if resp.StatusCode == http.StatusOK {
			events, parseErr := decodeBody(c, body, req.Stream)
			if parseErr != nil {
				return outcomeTerminalNoDisable, nil, &TaxonomyError{Class: "request_fatal", Code: "decode_failed", Message: parseErr.Error()}
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return outcomeTerminalNoDisable, nil, err
				}
			}
			if err := e.recordConsumption(ctx, account, req, events); err != nil {
				log.WithError(err).Warn("dispatch: record consumption failed")
			}
			e.Ledger.MaybeRefresh(ctx, account, req.Model, e.backgroundQuotaRefresh)
			return outcomeSuccess, &Result{AccountID: account.ID, Provider: req.Provider, Events: len(events)}, nil
		}

		// Kiro 403s skip the per-endpoint walk: classifyNonForbidden
		// disables the account outright.
		if resp.StatusCode == http.StatusForbidden && req.Provider != "kiro" {
			sawAny403 = true
			class := classify403(body)
			if firstError403Type == "" {
				firstError403Type = class
			}
			continue // try next endpoint
		}

		if terminal, outcome, taxErr := classifyNonForbidden(req.Provider, resp.StatusCode, body); terminal {
			return outcome, nil, taxErr
		}
		// everything else (429/quota/503) falls through to the next
		// endpoint, per spec's "first try next endpoint" rule.
	}

	if sawAny403 {
		if firstError403Type == "permission_denied" {
			return outcomeTerminalNoDisable, nil, &TaxonomyError{Class: "account_soft", Code: "all_endpoints_403", Message: "permission denied on every endpoint"}
		}
		return outcomeTerminalDisable, nil, &TaxonomyError{Class: "account_fatal", Code: "all_endpoints_403", Message: "403 on every endpoint"}
	}
	return outcomeQuotaSwap, nil, &TaxonomyError{Class: "transient", Code: "quota_exhausted", Message: "quota/429 exhausted on every endpoint"}
}

func (e *Engine) do(req *http.Request) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()
	resp, err := e.HTTPClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("dispatch: close upstream response body failed")
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func decodeBody(c codec.Codec, body []byte, stream bool) ([]codec.Event, error) {
	if !stream {
		resp, err := c.ParseNonStream(body)
		if err != nil {
			return nil, err
		}
		return []codec.Event{{Kind: codec.KindText, Text: string(resp.Payload)}}, nil
	}
	return c.ParseStreamChunk(body)
}

// classify403 distinguishes the "permission-denied" 403 class (sticky, does
// not disable the account) from every other 403 body.
func classify403(body []byte) string {
	s := string(body)
	if strings.Contains(s, "PERMISSION_DENIED") || strings.Contains(s, "The caller does not have permission") {
		return "permission_denied"
	}
	return "other"
}

// classifyNonForbidden classifies every non-200 response other than a
// non-Kiro 403 per spec's retry matrix. terminal=false means "try the next
// endpoint".
func classifyNonForbidden(provider string, status int, body []byte) (terminal bool, outcome accountOutcome, err *TaxonomyError) {
	s := string(body)

	switch {
	// A 400 carrying quota/RESOURCE_EXHAUSTED means this account is over
	// quota outright, not that this endpoint is unhealthy: swap accounts
	// immediately rather than burning the remaining endpoints on the same
	// exhausted account. A 429 (below) gets the opposite treatment — try
	// the next endpoint first, only swap once every endpoint is exhausted.
	case status == http.StatusBadRequest && (strings.Contains(s, "quota") || strings.Contains(s, "RESOURCE_EXHAUSTED")):
		return true, outcomeQuotaSwap, &TaxonomyError{Class: "transient", Code: "quota_exhausted", Message: s, Body: body}
	case status == http.StatusBadRequest && strings.Contains(s, "RESOURCE_PROJECT_INVALID"):
		return true, outcomeProjectInvalid, &TaxonomyError{Class: "account_fatal", Code: "resource_project_invalid", Message: s, Body: body}
	case status == http.StatusBadRequest && strings.Contains(s, "image exceeds 5 MB maximum"):
		return true, outcomeTerminalNoDisable, &TaxonomyError{Class: "request_fatal", Code: "image_too_large", Message: s, Body: body}
	case status == http.StatusBadRequest && (strings.Contains(s, "INVALID_ARGUMENT") || strings.Contains(s, "invalid_request_error")):
		return true, outcomeTerminalNoDisable, &TaxonomyError{Class: "request_fatal", Code: "invalid_argument", Message: s, Body: body}
	case status == http.StatusBadRequest:
		return true, outcomeTerminalDisable, &TaxonomyError{Class: "account_fatal", Code: "bad_request", Message: s, Body: body}
	// 429/RESOURCE_EXHAUSTED on a non-400 status: try the next endpoint
	// before giving up on this account (the bottom-of-loop fallback in
	// attemptAccount returns outcomeQuotaSwap once every endpoint is spent).
	case status == http.StatusTooManyRequests || strings.Contains(s, "RESOURCE_EXHAUSTED"):
		return false, outcomeQuotaSwap, nil
	case status == http.StatusInternalServerError && strings.Contains(s, "Internal error encountered"):
		return true, outcomeTerminalNoDisable, &TaxonomyError{Class: "request_fatal", Code: "illegal_prompt", Message: s, Body: body}
	case status == http.StatusServiceUnavailable:
		return false, outcomeQuotaSwap, nil
	case provider == "kiro" && (status == http.StatusPaymentRequired || status == http.StatusForbidden):
		return true, outcomeTerminalDisable, &TaxonomyError{Class: "account_fatal", Code: "kiro_payment_or_forbidden", Message: s, Body: body}
	default:
		return true, outcomeTerminalDisable, &TaxonomyError{Class: "account_fatal", Code: "upstream_error", Message: s, Body: body}
	}
}
