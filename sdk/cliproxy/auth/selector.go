package auth

import (
	"context"
	"sync"
	"time"

	cliproxyexecutor "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/executor"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/quota"
)

// Selector picks one auth among candidates already filtered to "usable for
// this provider/model". Dispatch builds the candidate slice (dedicated vs
// shared, preference order, excludeSet already applied); the selector only
// decides which of those remaining candidates goes first.
type Selector interface {
	Pick(ctx context.Context, provider, model string, opts cliproxyexecutor.Options, auths []*Auth) (*Auth, error)
}

// FillFirstSelector always returns the lexicographically-first candidate by
// ID. Deterministic, used by tests and as a last-resort fallback.
type FillFirstSelector struct{}

func (s *FillFirstSelector) Pick(_ context.Context, _, _ string, _ cliproxyexecutor.Options, auths []*Auth) (*Auth, error) {
	if len(auths) == 0 {
		return nil, &Error{Code: "auth_not_found", Message: "no auth available"}
	}
	best := auths[0]
	for _, candidate := range auths[1:] {
		if candidate.ID < best.ID {
			best = candidate
		}
	}
	return best, nil
}

// RoundRobinSelector cycles through candidates in ID order, one per call, per
// provider+model key. Used when no quota signal is available at all.
type RoundRobinSelector struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (s *RoundRobinSelector) Pick(_ context.Context, provider, model string, _ cliproxyexecutor.Options, auths []*Auth) (*Auth, error) {
	if len(auths) == 0 {
		return nil, &Error{Code: "auth_not_found", Message: "no auth available"}
	}
	ordered := append([]*Auth(nil), auths...)
	sortAuthsByID(ordered)

	key := provider + ":" + model
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors == nil {
		s.cursors = make(map[string]int)
	}
	idx := s.cursors[key] % len(ordered)
	s.cursors[key] = idx + 1
	return ordered[idx], nil
}

func sortAuthsByID(auths []*Auth) {
	for i := 1; i < len(auths); i++ {
		for j := i; j > 0 && auths[j].ID < auths[j-1].ID; j-- {
			auths[j], auths[j-1] = auths[j-1], auths[j]
		}
	}
}

// getAvailableAuths narrows auths to those usable right now for
// provider/model: not disabled, not needing reauth, and (when a quota signal
// exists) carrying quota > 0 for the model.
func getAvailableAuths(auths []*Auth, provider, model string, now time.Time) ([]*Auth, error) {
	_ = now
	out := make([]*Auth, 0, len(auths))
	for _, a := range auths {
		if a == nil {
			continue
		}
		if provider != "" && a.Provider != provider {
			continue
		}
		if a.Disabled() || a.NeedsReauth {
			continue
		}
		if percent, ok := quota.GetPercentFromMetadata(a.Metadata, model); ok && percent <= 0 {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
