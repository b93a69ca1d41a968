package registry

import "sync"

// ModelInfo describes one model an account is currently known to expose
// upstream. ID is the provider's own identifier; Name is a human label when
// the provider supplies one (not all do).
type ModelInfo struct {
	ID   string
	Name string
}

// ModelRegistry tracks, per account, the set of models the account's most
// recent models-list call returned. The Dispatch Engine's model-alias
// resolution consults this when neither a configured alias nor a built-in
// default resolves a requested model, to match it against what the account
// actually advertises.
type ModelRegistry struct {
	mu    sync.RWMutex
	byAuth map[string][]*ModelInfo
}

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{byAuth: make(map[string][]*ModelInfo)}
}

// SetModelsForClient replaces the known model list for an account.
func (r *ModelRegistry) SetModelsForClient(authID string, infos []*ModelInfo) {
	if r == nil || authID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byAuth == nil {
		r.byAuth = make(map[string][]*ModelInfo)
	}
	r.byAuth[authID] = infos
}

// GetModelsForClient returns the last known model list for an account, or
// nil if none has been recorded.
func (r *ModelRegistry) GetModelsForClient(authID string) []*ModelInfo {
	if r == nil || authID == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAuth[authID]
}
