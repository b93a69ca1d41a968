package auth

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
)

// PersistFunc is called by Manager.Update after an auth has been swapped in
// memory, so the Account Store can be written without Manager depending on
// its package (storage is a collaborator, not an owner, of the in-memory
// auth cache the selectors and token refresher read from).
type PersistFunc func(ctx context.Context, a *Auth) error

// Manager owns the in-memory set of known auths. The Dispatch Engine reads
// from it via List/GetByID, the Token Manager refreshes through it, and the
// quota poller persists observed quota back through Update.
type Manager struct {
	mu      sync.RWMutex
	byID    map[string]*Auth
	client  *http.Client
	persist PersistFunc
}

// NewManager constructs an empty Manager. httpClient defaults to
// http.DefaultClient when nil.
func NewManager(httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		byID:   make(map[string]*Auth),
		client: httpClient,
	}
}

// SetPersistFunc wires the Account Store write-back used by Update.
func (m *Manager) SetPersistFunc(fn PersistFunc) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.persist = fn
	m.mu.Unlock()
}

// Register adds or replaces an auth in the in-memory cache.
func (m *Manager) Register(a *Auth) {
	if m == nil || a == nil || a.ID == "" {
		return
	}
	m.mu.Lock()
	if m.byID == nil {
		m.byID = make(map[string]*Auth)
	}
	m.byID[a.ID] = a
	m.mu.Unlock()
}

// List returns a snapshot of every known auth.
func (m *Manager) List() []*Auth {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Auth, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	return out
}

// GetByID looks up one auth by ID.
func (m *Manager) GetByID(id string) (*Auth, bool) {
	if m == nil || id == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	return a, ok
}

// Update replaces the in-memory auth, persists it via the configured
// PersistFunc (if any), and returns the stored value.
func (m *Manager) Update(ctx context.Context, a *Auth) (*Auth, error) {
	if m == nil || a == nil || a.ID == "" {
		return nil, fmt.Errorf("auth manager: update requires a non-empty auth id")
	}
	m.mu.Lock()
	if m.byID == nil {
		m.byID = make(map[string]*Auth)
	}
	m.byID[a.ID] = a
	persist := m.persist
	m.mu.Unlock()

	if persist != nil {
		if err := persist(ctx, a); err != nil {
			return a, err
		}
	}
	return a, nil
}

// NewHttpRequest builds an authenticated request for an upstream call made on
// behalf of auth. The access token is attached as a bearer credential; most
// providers accept this, and provider-specific codecs may override headers
// afterward.
func (m *Manager) NewHttpRequest(ctx context.Context, a *Auth, method, targetURL string, body []byte, headers http.Header) (*http.Request, error) {
	if a == nil {
		return nil, fmt.Errorf("auth manager: nil auth")
	}
	var reader *bytes.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if token := accessToken(a); token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// HttpRequest executes a request built by NewHttpRequest using the manager's
// shared HTTP client.
func (m *Manager) HttpRequest(ctx context.Context, a *Auth, req *http.Request) (*http.Response, error) {
	_ = ctx
	_ = a
	client := http.DefaultClient
	if m != nil && m.client != nil {
		client = m.client
	}
	return client.Do(req)
}

func accessToken(a *Auth) string {
	if a == nil || a.Metadata == nil {
		return ""
	}
	if token, ok := a.Metadata["access_token"].(string); ok {
		return token
	}
	return ""
}

