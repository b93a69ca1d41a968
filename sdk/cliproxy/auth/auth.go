// Package auth holds the account ("Auth") model shared by the Token Manager,
// Account Store and Dispatch Engine, plus the selection strategies used to
// pick an account among several candidates.
package auth

import "time"

// Status is an account's lifecycle state. Per spec, status=disabled must
// imply the account is never returned by a selector.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Auth is the in-memory shape of one onboarded account, regardless of
// provider. Provider-specific fields (profile_arn, resource_url, ...) live in
// Metadata so the selector and quota code can stay provider-agnostic; the
// Account Store persists Metadata as one JSONB metadata column in each
// provider's table.
type Auth struct {
	ID     string
	UserID string
	// Provider is one of "antigravity", "kiro", "qwen".
	Provider string
	Label    string
	// Shared marks the account visible to every user (consumption charged
	// to the calling user's shared pool) versus visible only to UserID.
	Shared      bool
	Status      Status
	NeedsReauth bool

	Metadata   map[string]any
	Attributes map[string]string
}

// Clone returns a deep-enough copy so that a refresh/update can mutate the
// copy without racing a concurrent reader of the original.
func (a *Auth) Clone() *Auth {
	if a == nil {
		return nil
	}
	out := &Auth{
		ID:          a.ID,
		UserID:      a.UserID,
		Provider:    a.Provider,
		Label:       a.Label,
		Shared:      a.Shared,
		Status:      a.Status,
		NeedsReauth: a.NeedsReauth,
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.Attributes != nil {
		out.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// AccountInfo returns a (type, value) pair suitable for request logging
// without leaking the access token itself.
func (a *Auth) AccountInfo() (authType, authValue string) {
	if a == nil {
		return "", ""
	}
	if email, ok := a.Metadata["email"].(string); ok && email != "" {
		return a.Provider, email
	}
	return a.Provider, a.ID
}

// Disabled reports whether this account is nil or has status disabled, in
// which case it must not be selected.
func (a *Auth) Disabled() bool {
	return a == nil || a.Status == StatusDisabled
}

// ExpiresAt reads the access-token expiry stamped into Metadata by the Token
// Manager, or the zero time if unknown.
func (a *Auth) ExpiresAt() time.Time {
	if a == nil || a.Metadata == nil {
		return time.Time{}
	}
	switch v := a.Metadata["expires_at"].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Error is the taxonomy-carrying error returned by auth/token operations.
// Code is one of the Dispatch Engine's error classes (e.g. "invalid_grant",
// "refresh_failed", "auth_not_found").
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}
