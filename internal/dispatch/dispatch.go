// Package dispatch implements the Dispatch Engine: account/endpoint
// selection, the retry matrix, and the error taxonomy, per spec §4.5.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
	"github.com/aigatewayhq/upstream-gateway/internal/ledger"
	"github.com/aigatewayhq/upstream-gateway/internal/registry"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
)

// maxQuotaSwaps bounds the number of 429/quota-triggered account swaps per
// request (spec's "Bound: 429-triggered account swaps per request <= 5").
const maxQuotaSwaps = 5

// requestTimeout bounds every upstream call (spec §5: "10-minute deadline
// via an abortable controller").
const requestTimeout = 10 * time.Minute

// AccountStore is the subset of the Account Store the Dispatch Engine reads
// candidate pools from and mutates account lifecycle through.
type AccountStore interface {
	GetAvailable(ctx context.Context, provider, userID string, sharedOnly bool) ([]*coreauth.Auth, error)
	UpdateStatus(ctx context.Context, provider, id string, status coreauth.Status) error
	UpdateProjectIds(ctx context.Context, cookieID, projectID string, isRestricted, ineligible bool, paidTier string) error
}

// TokenManager is the subset of the Token Manager the Dispatch Engine calls
// before every upstream attempt.
type TokenManager interface {
	EnsureFresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error)
}

// QuotaLedger is the subset of the Quota Ledger the Dispatch Engine
// consults for availability and writes consumption through.
type QuotaLedger interface {
	Available(ctx context.Context, auth *coreauth.Auth, userID, model string) bool
	RecordConsumption(ctx context.Context, userID, accountID, model string, before, after float64, shared bool) error
	MaybeRefresh(ctx context.Context, auth *coreauth.Auth, model string, refresh ledger.RefreshFunc)
}

// Endpoint is one configured north-side API Endpoint (spec §3's "API
// Endpoint" entity): an ordinal-indexed base URL a provider's codec can
// target, tried in order before the Dispatch Engine gives up or swaps
// accounts.
type Endpoint struct {
	BaseURL string
	Region  string // Kiro only
}

// ProjectIDMinter mints a fresh Antigravity GCP-side project id for an
// account whose current one the upstream rejected (spec's
// loadCodeAssist/onboardUser precondition). Implementations poll until
// done=true, up to 5 attempts 2s apart.
type ProjectIDMinter func(ctx context.Context, auth *coreauth.Auth) (projectID string, isRestricted, ineligible bool, paidTier string, err error)

// QuotaAfterFunc reports a model's post-call remaining quota fraction for
// consumption accounting. The upstream wire formats in this corpus do not
// uniformly report quota in-band (Kiro's usage credits are the exception),
// so this is a pluggable hook rather than a single hard-coded read: callers
// may wire it to a synchronous models-list re-fetch, a Kiro usage-credit
// translation, or (the default) a re-read of the same cache entry consulted
// before the call.
type QuotaAfterFunc func(auth *coreauth.Auth, model string, events []codec.Event) float64

// Request is one south-side call the Dispatch Engine must route upstream.
type Request struct {
	UserID          string
	Provider        string // "antigravity", "kiro", "qwen"
	Model           string
	PreferDedicated bool
	Payload         []byte
	SourceFormat    string
	Stream          bool
}

// EventHandler receives upstream events in arrival order. Per spec §5,
// ordering within a request is strict; across requests there is no
// guarantee. Returning an error aborts the in-flight stream.
type EventHandler func(codec.Event) error

// Result summarizes a successfully completed dispatch.
type Result struct {
	AccountID string
	Provider  string
	Events    int
}

// TaxonomyError is the terminal error surfaced to a caller, carrying the
// error-class spec §7 names (not a Go type per class, a taxonomy code).
type TaxonomyError struct {
	Class   string // "transient", "account_fatal", "account_soft", "request_fatal", "resource_exhausted"
	Code    string // "image_too_large", "illegal_prompt", "resource_exhausted", "all_endpoints_403", ...
	Message string
	Body    []byte
}

func (e *TaxonomyError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// Engine ties the Account Store, Token Manager, Quota Ledger, and the three
// Upstream Codecs into the selection algorithm and retry matrix of spec
// §4.5.
type Engine struct {
	Store        AccountStore
	TokenManager TokenManager
	Ledger       QuotaLedger
	HTTPClient   *http.Client
	Endpoints    map[string][]Endpoint
	ProjectMint  ProjectIDMinter
	QuotaAfter   QuotaAfterFunc
	// RefreshQuota performs the provider-specific models-list re-fetch that
	// backs the Ledger's background refresh hook. Nil disables it.
	RefreshQuota func(ctx context.Context, auth *coreauth.Auth) error

	// ModelRegistry backs model-alias resolution's third tier (matching a
	// requested model against an account's last known models-list).
	ModelRegistry *registry.ModelRegistry
	// ModelAlias is provider -> requested-model -> upstream-model, the
	// configured first tier of model-alias resolution.
	ModelAlias map[string]map[string]string

	// QuotaSelector breaks ties among equally-eligible candidates by
	// remaining-quota weight (smooth weighted round-robin) instead of a
	// uniform random pick. Nil falls back to rand.
	QuotaSelector *coreauth.QuotaWeightedSelector

	// rand is overridable in tests for deterministic candidate selection.
	rand func(n int) int
}

// New constructs a Dispatch Engine. httpClient defaults to
// http.DefaultClient when nil.
func New(store AccountStore, tm TokenManager, q QuotaLedger, httpClient *http.Client, endpoints map[string][]Endpoint) *Engine {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Engine{
		Store:        store,
		TokenManager: tm,
		Ledger:       q,
		HTTPClient:   httpClient,
		Endpoints:    endpoints,
		rand:         rand.Intn,
	}
}

// dispatchState carries the retry matrix's per-request counters, scoped to
// one Dispatch call. The endpoint index and the first-403 latch are
// per-account and live in attemptAccount instead.
type dispatchState struct {
	excludeSet        map[string]bool
	projectRetryCount int
	quotaSwapCount    int
}

// Dispatch runs the full selection + retry-matrix state machine for one
// request, invoking emit for every upstream event in order. It returns once
// the stream completes successfully or a terminal error is reached.
func (e *Engine) Dispatch(ctx context.Context, req Request, emit EventHandler) (*Result, error) {
	state := &dispatchState{excludeSet: make(map[string]bool)}
	for {
		account, err := e.selectAccount(ctx, req, state.excludeSet)
		if err != nil {
			return nil, err
		}

		freshAccount, err := e.TokenManager.EnsureFresh(ctx, account)
		if err != nil {
			var authErr *coreauth.Error
			if errors.As(err, &authErr) {
				// invalid_grant disabled the account already; any other
				// refresh failure left it needs-reauth=true, which keeps
				// it out of the next selectAccount call's pool anyway.
				// Either way this account is no longer a candidate.
				state.excludeSet[account.ID] = true
				continue
			}
			return nil, err
		}
		account = freshAccount

		if req.Provider == "antigravity" {
			if retry, mintErr := e.ensureProjectPrecondition(ctx, account, state); mintErr != nil {
				return nil, mintErr
			} else if retry {
				// project id was freshly minted; retry this same account.
			}
		}

		outcome, result, err := e.attemptAccount(ctx, account, req, emit)
		switch outcome {
		case outcomeSuccess:
			return result, nil
		case outcomeProjectInvalid:
			if state.projectRetryCount >= 1 {
				e.disableAccount(ctx, account)
				state.excludeSet[account.ID] = true
				continue
			}
			if mintErr := e.mintProjectID(ctx, account, state); mintErr != nil {
				e.disableAccount(ctx, account)
				state.excludeSet[account.ID] = true
				continue
			}
			// retry the same account now that its project id was refreshed.
			continue
		case outcomeQuotaSwap:
			state.excludeSet[account.ID] = true
			state.quotaSwapCount++
			if state.quotaSwapCount > maxQuotaSwaps {
				return nil, &TaxonomyError{Class: "resource_exhausted", Code: "resource_exhausted", Message: "429/quota swap limit reached"}
			}
			continue
		case outcomeTerminalDisable:
			e.disableAccount(ctx, account)
			return nil, err
		case outcomeTerminalNoDisable:
			return nil, err
		default:
			return nil, err
		}
	}
}

// selectAccount implements spec's 5-step selection algorithm (steps 1-4;
// step 5 is the caller's token-refresh handling above).
func (e *Engine) selectAccount(ctx context.Context, req Request, excludeSet map[string]bool) (*coreauth.Auth, error) {
	dedicated, err := e.Store.GetAvailable(ctx, req.Provider, req.UserID, false)
	if err != nil {
		return nil, err
	}
	shared, err := e.Store.GetAvailable(ctx, req.Provider, req.UserID, true)
	if err != nil {
		return nil, err
	}

	dedicatedOnly := filterDedicated(dedicated)
	pool := dedupeByID(append(append([]*coreauth.Auth{}, dedicatedOnly...), shared...))

	var candidates []*coreauth.Auth
	for _, a := range pool {
		if excludeSet[a.ID] {
			continue
		}
		if !e.Ledger.Available(ctx, a, req.UserID, req.Model) {
			continue
		}
		if req.Provider == "kiro" {
			tier, _ := a.Metadata["subscription"].(string)
			if !registry.KiroTierAllowsModel(tier, req.Model) {
				continue
			}
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, &TaxonomyError{Class: "resource_exhausted", Code: "resource_exhausted", Message: "no available account for " + req.Provider + "/" + req.Model}
	}

	preferred, other := partitionBySharing(candidates, req.PreferDedicated)
	pick := preferred
	if len(pick) == 0 {
		pick = other
	}
	if len(pick) == 1 {
		return pick[0], nil
	}
	if e.QuotaSelector != nil {
		opts := executor.Options{SourceFormat: req.SourceFormat, Stream: req.Stream}
		if chosen, err := e.QuotaSelector.Pick(ctx, req.Provider, req.Model, opts, pick); err == nil && chosen != nil {
			return chosen, nil
		}
	}
	return pick[e.rand(len(pick))], nil
}

func filterDedicated(auths []*coreauth.Auth) []*coreauth.Auth {
	out := make([]*coreauth.Auth, 0, len(auths))
	for _, a := range auths {
		if !a.Shared {
			out = append(out, a)
		}
	}
	return out
}

func dedupeByID(auths []*coreauth.Auth) []*coreauth.Auth {
	seen := make(map[string]bool, len(auths))
	out := make([]*coreauth.Auth, 0, len(auths))
	for _, a := range auths {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}

// partitionBySharing splits candidates by their Shared flag and returns
// (preferred partition, other partition) per the caller's dedicated/shared
// preference.
func partitionBySharing(candidates []*coreauth.Auth, preferDedicated bool) (preferred, other []*coreauth.Auth) {
	var dedicated, shared []*coreauth.Auth
	for _, a := range candidates {
		if a.Shared {
			shared = append(shared, a)
		} else {
			dedicated = append(dedicated, a)
		}
	}
	if preferDedicated {
		return dedicated, shared
	}
	return shared, dedicated
}

func (e *Engine) disableAccount(ctx context.Context, account *coreauth.Auth) {
	if err := e.Store.UpdateStatus(ctx, account.Provider, account.ID, coreauth.StatusDisabled); err != nil {
		authType, authValue := account.AccountInfo()
		log.WithError(err).Warnf("dispatch: disable account failed (account=%s/%s)", authType, authValue)
	}
}

// ensureProjectPrecondition mints an Antigravity project id up front when
// the account has none at all, so the first upstream attempt isn't
// guaranteed to fail on RESOURCE_PROJECT_INVALID.
func (e *Engine) ensureProjectPrecondition(ctx context.Context, account *coreauth.Auth, state *dispatchState) (retried bool, err error) {
	if projectID, _ := account.Metadata["project_id"].(string); projectID != "" {
		return false, nil
	}
	if state.projectRetryCount >= 1 || e.ProjectMint == nil {
		return false, nil
	}
	return true, e.mintProjectID(ctx, account, state)
}

func (e *Engine) mintProjectID(ctx context.Context, account *coreauth.Auth, state *dispatchState) error {
	if e.ProjectMint == nil {
		return errors.New("dispatch: no project id minter configured")
	}
	state.projectRetryCount++
	projectID, isRestricted, ineligible, paidTier, err := e.ProjectMint(ctx, account)
	if err != nil {
		return err
	}
	account.Metadata["project_id"] = projectID
	return e.Store.UpdateProjectIds(ctx, account.ID, projectID, isRestricted, ineligible, paidTier)
}
