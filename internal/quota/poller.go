package quota

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aigatewayhq/upstream-gateway/internal/config"
	"github.com/aigatewayhq/upstream-gateway/internal/registry"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/quota"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPollInterval   = 3 * time.Minute
	defaultRequestTimeout = 20 * time.Second
	maxConcurrentRequests = 5
)

const (
	antigravityUserAgent = "antigravity/1.11.5 windows/amd64"
	kiroUserAgent        = "kiro-cli/1.0 (codewhisperer)"
	qwenUserAgent        = "qwen-code/1.0"
)

var (
	antigravityQuotaPaths = []string{
		"https://daily-cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
		"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:fetchAvailableModels",
		"https://cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels",
	}
	kiroUsageLimitsURL = "https://codewhisperer.us-east-1.amazonaws.com/getUsageLimits"
	qwenUsageURL       = "https://chat.qwen.ai/api/v1/usage"
)

// Poller periodically fetches quota data for stored auth entries.
type Poller struct {
	manager        *coreauth.Manager
	registry       *registry.ModelRegistry
	interval       time.Duration
	requestTimeout time.Duration
	maxConcurrency int
	aliasMap       map[string]string
	mu             sync.RWMutex
}

// NewPoller constructs a quota poller.
func NewPoller(manager *coreauth.Manager) *Poller {
	if manager == nil {
		return nil
	}
	return &Poller{
		manager:        manager,
		interval:       defaultPollInterval,
		requestTimeout: defaultRequestTimeout,
		maxConcurrency: maxConcurrentRequests,
		aliasMap:       defaultAntigravityAliasMap(),
	}
}

// SetModelRegistry wires the Model Registry the poller updates with the
// model names (and their aliases) seen in each Antigravity quota poll,
// consulted by the Dispatch Engine's model-alias resolution. Kiro and Qwen
// polls do not update it. Nil disables registry updates.
func (p *Poller) SetModelRegistry(r *registry.ModelRegistry) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.registry = r
	p.mu.Unlock()
}

// SetConfig updates the alias map used for antigravity model matching.
func (p *Poller) SetConfig(cfg *config.Config) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.aliasMap = aliasMapFromConfig(cfg)
	p.mu.Unlock()
}

// Start launches the polling loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	if p == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go p.run(ctx)
	log.Infof("quota poller started (interval=%s)", p.interval)
}

func (p *Poller) run(ctx context.Context) {
	for {
		if ctx != nil && ctx.Err() != nil {
			return
		}
		interval := p.poll(ctx)
		if ctx != nil && ctx.Err() != nil {
			return
		}
		if interval <= 0 {
			interval = p.interval
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) time.Duration {
	if p == nil || p.manager == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	auths := p.manager.List()
	if len(auths) == 0 {
		return p.interval
	}
	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup
	for _, auth := range auths {
		if auth == nil || strings.TrimSpace(auth.ID) == "" {
			continue
		}
		if shouldSkipAuth(auth) {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(auth.Provider))
		switch provider {
		case "antigravity", "kiro", "qwen":
		default:
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return p.interval
		}
		wg.Add(1)
		authCopy := auth
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			switch strings.ToLower(strings.TrimSpace(authCopy.Provider)) {
			case "antigravity":
				p.pollAntigravity(ctx, authCopy)
			case "kiro":
				p.pollKiro(ctx, authCopy)
			case "qwen":
				p.pollQwen(ctx, authCopy)
			default:
				return
			}
		}()
	}
	wg.Wait()
	return p.interval
}

// RefreshOne fetches fresh quota for a single account synchronously,
// dispatching to the provider-specific poll routine. It is the Dispatch
// Engine's background-refresh hook (Ledger.MaybeRefresh applies the
// staleness check before calling it; this just performs the fetch once,
// best-effort).
func (p *Poller) RefreshOne(ctx context.Context, auth *coreauth.Auth) error {
	if p == nil || auth == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(auth.Provider)) {
	case "antigravity":
		p.pollAntigravity(ctx, auth)
	case "kiro":
		p.pollKiro(ctx, auth)
	case "qwen":
		p.pollQwen(ctx, auth)
	}
	return nil
}

func (p *Poller) pollAntigravity(ctx context.Context, auth *coreauth.Auth) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", resolveUserAgent(auth, antigravityUserAgent))
	body := []byte("{}")

	paths := p.antigravityURLs(auth)
	if len(paths) == 0 {
		return
	}

	for _, url := range paths {
		status, payload, errReq := p.doRequest(ctx, auth, http.MethodPost, url, body, headers)
		if errReq != nil {
			log.WithError(errReq).Warnf("quota poller: antigravity request failed (auth=%s)", auth.ID)
			continue
		}
		if status < http.StatusOK || status >= http.StatusMultipleChoices {
			log.Warnf("quota poller: antigravity status=%d (auth=%s body=%s)", status, auth.ID, summarizePayload(payload))
			continue
		}
		models := extractAntigravityQuota(payload, p.aliasSnapshot())
		if len(models) == 0 {
			return
		}
		p.persistQuota(ctx, auth, "antigravity", models)
		p.recordKnownModels(auth.ID, models)
		return
	}
}

func (p *Poller) recordKnownModels(authID string, models map[string]quota.ModelQuota) {
	p.mu.RLock()
	reg := p.registry
	p.mu.RUnlock()
	if reg == nil || len(models) == 0 {
		return
	}
	infos := make([]*registry.ModelInfo, 0, len(models))
	for name := range models {
		infos = append(infos, &registry.ModelInfo{ID: name})
	}
	reg.SetModelsForClient(authID, infos)
}

func (p *Poller) pollKiro(ctx context.Context, auth *coreauth.Auth) {
	metadata := auth.Metadata
	profileARN := resolveKiroProfileARN(metadata)
	if profileARN == "" {
		log.Warnf("quota poller: kiro missing profile arn (auth=%s)", auth.ID)
		return
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", resolveUserAgent(auth, kiroUserAgent))
	body, errMarshal := json.Marshal(map[string]string{"profileArn": profileARN})
	if errMarshal != nil {
		log.WithError(errMarshal).Warnf("quota poller: kiro request body failed (auth=%s)", auth.ID)
		return
	}

	status, payload, errReq := p.doRequest(ctx, auth, http.MethodPost, kiroUsageLimitsURL, body, headers)
	if errReq != nil {
		log.WithError(errReq).Warnf("quota poller: kiro request failed (auth=%s)", auth.ID)
		return
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		log.Warnf("quota poller: kiro status=%d (auth=%s body=%s)", status, auth.ID, summarizePayload(payload))
		return
	}
	models := extractKiroQuota(payload)
	if len(models) == 0 {
		return
	}
	p.persistQuota(ctx, auth, "kiro", models)
}

func (p *Poller) pollQwen(ctx context.Context, auth *coreauth.Auth) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("User-Agent", resolveUserAgent(auth, qwenUserAgent))

	status, payload, errReq := p.doRequest(ctx, auth, http.MethodGet, qwenUsageURL, nil, headers)
	if errReq != nil {
		log.WithError(errReq).Warnf("quota poller: qwen request failed (auth=%s)", auth.ID)
		return
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		log.Warnf("quota poller: qwen status=%d (auth=%s body=%s)", status, auth.ID, summarizePayload(payload))
		return
	}
	models := extractQwenQuota(payload)
	if len(models) == 0 {
		return
	}
	p.persistQuota(ctx, auth, "qwen", models)
}

func (p *Poller) doRequest(ctx context.Context, auth *coreauth.Auth, method, targetURL string, body []byte, headers http.Header) (int, []byte, error) {
	if p == nil || p.manager == nil {
		return 0, nil, errors.New("quota poller: manager not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, errReq := p.manager.NewHttpRequest(reqCtx, auth, method, targetURL, body, headers)
	if errReq != nil {
		return 0, nil, errReq
	}

	resp, errResp := p.manager.HttpRequest(reqCtx, auth, req)
	if errResp != nil {
		return 0, nil, errResp
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("quota poller: close response body error: %v", errClose)
		}
	}()

	payload, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return resp.StatusCode, nil, errRead
	}
	return resp.StatusCode, payload, nil
}

func (p *Poller) antigravityURLs(auth *coreauth.Auth) []string {
	if auth == nil {
		return antigravityQuotaPaths
	}
	if auth.Attributes != nil {
		if base := strings.TrimSpace(auth.Attributes["base_url"]); base != "" {
			return []string{strings.TrimSuffix(base, "/") + "/v1internal:fetchAvailableModels"}
		}
	}
	if auth.Metadata != nil {
		if base, ok := auth.Metadata["base_url"].(string); ok && strings.TrimSpace(base) != "" {
			return []string{strings.TrimSuffix(strings.TrimSpace(base), "/") + "/v1internal:fetchAvailableModels"}
		}
	}
	return antigravityQuotaPaths
}

func (p *Poller) aliasSnapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.aliasMap) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.aliasMap))
	for k, v := range p.aliasMap {
		out[k] = v
	}
	return out
}

func (p *Poller) persistQuota(ctx context.Context, auth *coreauth.Auth, provider string, models map[string]quota.ModelQuota) {
	if p == nil || p.manager == nil || auth == nil || len(models) == 0 {
		return
	}
	updated := auth.Clone()
	if updated.Metadata == nil {
		updated.Metadata = make(map[string]any)
	}
	if !quota.UpdateMetadata(updated.Metadata, provider, models, time.Now().UTC()) {
		return
	}
	if _, err := p.manager.Update(ctx, updated); err != nil {
		log.WithError(err).Warnf("quota poller: persist quota failed (auth=%s)", auth.ID)
	}
}
