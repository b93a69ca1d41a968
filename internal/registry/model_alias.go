package registry

import "strings"

// defaultModelAlias is the built-in requested-model -> upstream-model table
// consulted when no configured alias matches, grounded in the teacher's own
// Claude Code -> Antigravity default mappings.
var defaultModelAlias = map[string]map[string]string{
	"antigravity": {
		"claude-opus-4-5-20251101":  "gemini-claude-opus-4-5-thinking",
		"claude-sonnet-4-5-20250929": "gemini-claude-sonnet-4-5-thinking",
	},
}

// thinkingSuffixes are stripped, in order, when falling back to registry
// matching against an account's advertised model list.
var thinkingSuffixes = []string{"-thinking", "-high", "-low", "-medium"}

// ResolveModel maps a caller-facing requested model to the upstream model id
// a provider's codec should send, via a three-tier fallback: a configured
// alias, the built-in default alias table, then date-suffix/thinking-suffix
// matching against the account's last known models-list (mr may be nil, in
// which case the third tier is skipped).
func ResolveModel(mr *ModelRegistry, provider, authID, requested string, configured map[string]string) string {
	if requested == "" {
		return requested
	}
	if alias, ok := configured[requested]; ok && alias != "" {
		return alias
	}
	if alias, ok := defaultModelAlias[provider][requested]; ok {
		return alias
	}
	if mr == nil {
		return requested
	}
	known := mr.GetModelsForClient(authID)
	if len(known) == 0 {
		return requested
	}
	stripped := stripSuffixes(requested)
	for _, info := range known {
		if info.ID == requested {
			return info.ID
		}
	}
	for _, info := range known {
		if stripSuffixes(info.ID) == stripped {
			return info.ID
		}
	}
	return requested
}

// stripSuffixes removes a trailing date stamp (8 digits), then trims each
// known thinking-tier suffix in list order (so more than one can go), so
// "claude-sonnet-4-5-20250929" and
// "claude-sonnet-4-5-thinking" both normalize to "claude-sonnet-4-5".
func stripSuffixes(model string) string {
	out := model
	if idx := strings.LastIndexByte(out, '-'); idx >= 0 {
		suffix := out[idx+1:]
		if len(suffix) == 8 && isAllDigits(suffix) {
			out = out[:idx]
		}
	}
	for _, suf := range thinkingSuffixes {
		out = strings.TrimSuffix(out, suf)
	}
	return out
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
