// Package tokenmanager implements the Token Manager: producing a usable
// access-token for an account, refreshing it when stale, and classifying
// refresh failures the way the Dispatch Engine expects (invalid_grant is
// fatal to the account, anything else is transient).
package tokenmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
)

// googleOAuthEndpoint is Google's refresh-token grant endpoint. AuthStyleInParams
// avoids oauth2's default probe-then-retry dance (it would otherwise try
// HTTP Basic auth first, which Google's token endpoint rejects).
var googleOAuthEndpoint = oauth2.Endpoint{
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// refreshSkew mirrors the teacher's own token-refresh safety margin; the
// Token Manager refreshes proactively rather than racing token expiry.
const refreshSkew = 60 * time.Second

// AccountStore is the subset of the Account Store the Token Manager writes
// through after a refresh attempt.
type AccountStore interface {
	UpdateToken(ctx context.Context, provider, id, accessToken string, expiresAt time.Time, profileARN string) error
	UpdateStatus(ctx context.Context, provider, id string, status coreauth.Status) error
	MarkNeedsReauth(ctx context.Context, provider, id string) error
}

// RefreshResult carries the tokens a provider's refresh endpoint returned.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	ProfileARN   string
	ResourceURL  string
}

// RefreshFunc performs one provider's OAuth refresh call for auth.
type RefreshFunc func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error)

// invalidGrantError marks a refresh failure as permanent (the refresh token
// itself was rejected by the provider, not merely unavailable).
type invalidGrantError struct{ detail string }

func (e *invalidGrantError) Error() string { return "invalid_grant: " + e.detail }

// ProviderCredentials are the OAuth client id/secret a provider's refresh
// endpoint needs (IdC-style Kiro accounts and Antigravity both require one;
// Qwen and Kiro Social accounts do not).
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// Manager serializes refreshes per account-id (spec: at-most-one in-flight
// network refresh per account) and classifies the outcome.
type Manager struct {
	authManager  *coreauth.Manager
	accountStore AccountStore
	httpClient   *http.Client
	refreshers   map[string]RefreshFunc
	group        singleflight.Group
}

// NewManager wires the default per-provider refreshers (antigravity, kiro,
// qwen) using the supplied client credentials, falling back to an empty
// credential set for providers that don't need one (Qwen, Kiro Social).
func NewManager(authManager *coreauth.Manager, accountStore AccountStore, httpClient *http.Client, creds map[string]ProviderCredentials) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	m := &Manager{
		authManager:  authManager,
		accountStore: accountStore,
		httpClient:   httpClient,
		refreshers:   make(map[string]RefreshFunc),
	}
	m.refreshers["antigravity"] = m.refreshAntigravity(creds["antigravity"])
	m.refreshers["kiro"] = m.refreshKiro(creds["kiro"])
	m.refreshers["qwen"] = m.refreshQwen()
	return m
}

// SetRefreshFunc overrides (or adds) the refresher for one provider, mainly
// for tests.
func (m *Manager) SetRefreshFunc(provider string, fn RefreshFunc) {
	if m == nil || provider == "" {
		return
	}
	if m.refreshers == nil {
		m.refreshers = make(map[string]RefreshFunc)
	}
	m.refreshers[provider] = fn
}

// EnsureFresh returns an account with a usable access-token, refreshing
// first if expires-at - now < 60s. Concurrent callers for the same account
// id share one in-flight refresh.
func (m *Manager) EnsureFresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	if auth == nil {
		return nil, &coreauth.Error{Code: "auth_not_found", Message: "missing auth"}
	}
	if auth.ExpiresAt().Sub(time.Now()) >= refreshSkew {
		return auth, nil
	}
	return m.ForceRefresh(ctx, auth)
}

// ForceRefresh refreshes unconditionally, still serialized per account-id.
func (m *Manager) ForceRefresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	if auth == nil || auth.ID == "" {
		return nil, &coreauth.Error{Code: "auth_not_found", Message: "missing auth"}
	}
	v, err, _ := m.group.Do(auth.ID, func() (any, error) {
		return m.refresh(ctx, auth.Clone())
	})
	if err != nil {
		return nil, err
	}
	return v.(*coreauth.Auth), nil
}

func (m *Manager) refresh(ctx context.Context, auth *coreauth.Auth) (*coreauth.Auth, error) {
	refresher, ok := m.refreshers[auth.Provider]
	if !ok || refresher == nil {
		return auth, &coreauth.Error{Code: "refresh_unsupported", Message: "no refresher for provider " + auth.Provider}
	}

	result, errRefresh := refresher(ctx, auth)
	if errRefresh != nil {
		var invalidGrant *invalidGrantError
		if errors.As(errRefresh, &invalidGrant) {
			auth.Status = coreauth.StatusDisabled
			if err := m.accountStore.UpdateStatus(ctx, auth.Provider, auth.ID, coreauth.StatusDisabled); err != nil {
				log.WithError(err).Warnf("token manager: persist disable failed (auth=%s)", auth.ID)
			}
			m.syncInMemory(ctx, auth)
			return auth, &coreauth.Error{Code: "invalid_grant", Message: invalidGrant.detail}
		}
		auth.NeedsReauth = true
		if err := m.accountStore.MarkNeedsReauth(ctx, auth.Provider, auth.ID); err != nil {
			log.WithError(err).Warnf("token manager: persist needs-reauth failed (auth=%s)", auth.ID)
		}
		m.syncInMemory(ctx, auth)
		return auth, &coreauth.Error{Code: "refresh_failed", Message: errRefresh.Error()}
	}

	expiresAt := time.Now().Add(result.ExpiresIn)
	if auth.Metadata == nil {
		auth.Metadata = make(map[string]any)
	}
	auth.Metadata["access_token"] = result.AccessToken
	if result.RefreshToken != "" {
		auth.Metadata["refresh_token"] = result.RefreshToken
	}
	auth.Metadata["expires_at"] = expiresAt.UTC().Format(time.RFC3339Nano)
	if result.ProfileARN != "" {
		auth.Metadata["profile_arn"] = result.ProfileARN
	}
	if result.ResourceURL != "" {
		auth.Metadata["resource_url"] = result.ResourceURL
	}

	if err := m.accountStore.UpdateToken(ctx, auth.Provider, auth.ID, result.AccessToken, expiresAt, result.ProfileARN); err != nil {
		return auth, fmt.Errorf("token manager: persist refreshed token: %w", err)
	}
	m.syncInMemory(ctx, auth)
	return auth, nil
}

func (m *Manager) syncInMemory(ctx context.Context, auth *coreauth.Auth) {
	if m.authManager == nil {
		return
	}
	if _, err := m.authManager.Update(ctx, auth); err != nil {
		log.WithError(err).Warnf("token manager: auth cache update failed (auth=%s)", auth.ID)
	}
}

// refreshAntigravity performs the Google OAuth2 refresh-token grant the
// teacher's AntigravityExecutor.refreshToken performs against
// oauth2.googleapis.com, generalized to run from the Token Manager instead
// of the codec. Antigravity is the one provider here whose refresh endpoint
// is a plain, standards-shaped OAuth2 token endpoint, so it goes through
// golang.org/x/oauth2 directly instead of the hand-rolled form/JSON posting
// the other two providers need (see refreshKiro/refreshQwen for why).
func (m *Manager) refreshAntigravity(creds ProviderCredentials) RefreshFunc {
	cfg := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     googleOAuthEndpoint,
	}
	return func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		refreshToken, _ := auth.Metadata["refresh_token"].(string)
		if refreshToken == "" {
			return RefreshResult{}, fmt.Errorf("missing refresh token")
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) && strings.EqualFold(retrieveErr.ErrorCode, "invalid_grant") {
				detail := retrieveErr.ErrorDescription
				if detail == "" {
					detail = string(retrieveErr.Body)
				}
				return RefreshResult{}, &invalidGrantError{detail: detail}
			}
			return RefreshResult{}, err
		}
		return RefreshResult{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresIn:    time.Until(tok.Expiry),
		}, nil
	}
}

// refreshKiro picks the token endpoint by auth-method: IdC accounts refresh
// through a region-scoped OIDC endpoint with client credentials, Social
// accounts through Kiro's own desktop-auth refresh endpoint.
func (m *Manager) refreshKiro(creds ProviderCredentials) RefreshFunc {
	return func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		refreshToken, _ := auth.Metadata["refresh_token"].(string)
		if refreshToken == "" {
			return RefreshResult{}, fmt.Errorf("missing refresh token")
		}
		region, _ := auth.Metadata["region"].(string)
		if region == "" {
			region = "us-east-1"
		}
		authMethod, _ := auth.Metadata["auth_method"].(string)
		if strings.EqualFold(authMethod, "IdC") {
			clientID, _ := auth.Metadata["client_id"].(string)
			clientSecret, _ := auth.Metadata["client_secret"].(string)
			if clientID == "" {
				clientID = creds.ClientID
			}
			if clientSecret == "" {
				clientSecret = creds.ClientSecret
			}
			form := url.Values{}
			form.Set("client_id", clientID)
			form.Set("client_secret", clientSecret)
			form.Set("grant_type", "refresh_token")
			form.Set("refresh_token", refreshToken)
			endpoint := fmt.Sprintf("https://oidc.%s.amazonaws.com/token", region)
			return m.postOAuthForm(ctx, endpoint, form)
		}

		endpoint := fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", region)
		body, errMarshal := json.Marshal(map[string]string{"refreshToken": refreshToken})
		if errMarshal != nil {
			return RefreshResult{}, errMarshal
		}
		return m.postOAuthJSON(ctx, endpoint, body)
	}
}

// refreshQwen posts to the account's own resource-url, since Qwen accounts
// are tenant-scoped and the refresh endpoint rotates resource-url along
// with the tokens.
func (m *Manager) refreshQwen() RefreshFunc {
	return func(ctx context.Context, auth *coreauth.Auth) (RefreshResult, error) {
		refreshToken, _ := auth.Metadata["refresh_token"].(string)
		if refreshToken == "" {
			return RefreshResult{}, fmt.Errorf("missing refresh token")
		}
		resourceURL, _ := auth.Metadata["resource_url"].(string)
		if resourceURL == "" {
			resourceURL = "https://chat.qwen.ai"
		}
		endpoint := strings.TrimSuffix(resourceURL, "/") + "/api/v1/oauth2/token"
		body, errMarshal := json.Marshal(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": refreshToken,
		})
		if errMarshal != nil {
			return RefreshResult{}, errMarshal
		}
		return m.postOAuthJSON(ctx, endpoint, body)
	}
}

type oauthTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	ResourceURL      string `json:"resource_url"`
	ProfileARN       string `json:"profileArn"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) postOAuthForm(ctx context.Context, endpoint string, form url.Values) (RefreshResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return m.doOAuthRequest(req)
}

func (m *Manager) postOAuthJSON(ctx context.Context, endpoint string, body []byte) (RefreshResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return RefreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.doOAuthRequest(req)
}

func (m *Manager) doOAuthRequest(req *http.Request) (RefreshResult, error) {
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return RefreshResult{}, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("token manager: close refresh response body failed")
		}
	}()
	payload, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return RefreshResult{}, errRead
	}

	var parsed oauthTokenResponse
	_ = json.Unmarshal(payload, &parsed)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices || parsed.Error != "" {
		detail := parsed.ErrorDescription
		if detail == "" {
			detail = string(payload)
		}
		if strings.EqualFold(parsed.Error, "invalid_grant") {
			return RefreshResult{}, &invalidGrantError{detail: detail}
		}
		return RefreshResult{}, fmt.Errorf("refresh failed (status=%d): %s", resp.StatusCode, detail)
	}
	if parsed.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("refresh response missing access_token")
	}
	return RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresIn:    time.Duration(parsed.ExpiresIn) * time.Second,
		ProfileARN:   parsed.ProfileARN,
		ResourceURL:  parsed.ResourceURL,
	}, nil
}
