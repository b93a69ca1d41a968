package quota

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aigatewayhq/upstream-gateway/internal/config"
	coreauth "github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/auth"
	"github.com/aigatewayhq/upstream-gateway/sdk/cliproxy/quota"
)

var defaultAntigravityAliases = map[string]string{
	"rev19-uic3-1p":               "gemini-2.5-computer-use-preview-10-2025",
	"gemini-3-pro-image":          "gemini-3-pro-image-preview",
	"gemini-3-pro-high":           "gemini-3-pro-preview",
	"gemini-3-flash":              "gemini-3-flash-preview",
	"claude-sonnet-4-5":           "gemini-claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking":  "gemini-claude-sonnet-4-5-thinking",
	"claude-opus-4-5-thinking":    "gemini-claude-opus-4-5-thinking",
}

func defaultAntigravityAliasMap() map[string]string {
	out := make(map[string]string, len(defaultAntigravityAliases))
	for k, v := range defaultAntigravityAliases {
		out[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	return out
}

func aliasMapFromConfig(cfg *config.Config) map[string]string {
	if cfg == nil || cfg.OAuthModelAlias == nil {
		return defaultAntigravityAliasMap()
	}
	entries := cfg.OAuthModelAlias["antigravity"]
	if len(entries) == 0 {
		return defaultAntigravityAliasMap()
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		alias := strings.TrimSpace(entry.Alias)
		if name == "" || alias == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, exists := out[key]; exists {
			continue
		}
		out[key] = alias
	}
	if len(out) == 0 {
		return defaultAntigravityAliasMap()
	}
	return out
}

func shouldSkipAuth(auth *coreauth.Auth) bool {
	if auth == nil {
		return true
	}
	if auth.Disabled() || auth.NeedsReauth {
		return true
	}
	if auth.Attributes == nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(auth.Attributes["runtime_only"]), "true")
}

func resolveUserAgent(auth *coreauth.Auth, fallback string) string {
	if auth != nil {
		if auth.Attributes != nil {
			if ua := strings.TrimSpace(auth.Attributes["user_agent"]); ua != "" {
				return ua
			}
		}
		if auth.Metadata != nil {
			if ua, ok := auth.Metadata["user_agent"].(string); ok && strings.TrimSpace(ua) != "" {
				return strings.TrimSpace(ua)
			}
		}
	}
	return fallback
}

func extractAntigravityQuota(payload []byte, aliasMap map[string]string) map[string]quota.ModelQuota {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil
	}
	models, ok := root["models"].(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]quota.ModelQuota)
	for key, raw := range models {
		record, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, okProvider := record["modelProvider"]; !okProvider {
			continue
		}
		info, ok := record["quotaInfo"].(map[string]any)
		if !ok {
			continue
		}
		remaining, okRemain := readFloat(info["remainingFraction"])
		if !okRemain {
			continue
		}
		percent := clampPercent(remaining * 100)
		resetTime := parseResetTime(info["resetTime"])
		name := normalizeString(record["model"])
		if name == "" {
			name = strings.TrimSpace(key)
		}
		if name == "" {
			continue
		}
		entry := quota.ModelQuota{Percent: percent, ResetTime: resetTime}
		addModelQuota(result, name, entry)
		if aliasMap != nil {
			if alias := strings.TrimSpace(aliasMap[strings.ToLower(name)]); alias != "" {
				addModelQuota(result, alias, entry)
			}
		}
	}
	return result
}

// extractKiroQuota parses a CodeWhisperer-style usage-limits response:
// {"usageLimits":[{"resourceType":"...", "remainingFraction":0.4, "resetTime":"..."}]}
func extractKiroQuota(payload []byte) map[string]quota.ModelQuota {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil
	}
	rawLimits, ok := root["usageLimits"].([]any)
	if !ok {
		return nil
	}
	result := make(map[string]quota.ModelQuota)
	for _, raw := range rawLimits {
		limit, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := normalizeString(limit["resourceType"])
		if name == "" {
			continue
		}
		remaining, okRemain := readFloat(limit["remainingFraction"])
		if !okRemain {
			continue
		}
		percent := clampPercent(remaining * 100)
		resetTime := parseResetTime(limit["resetTime"])
		entry := quota.ModelQuota{Percent: percent, ResetTime: resetTime}
		addModelQuota(result, name, entry)
	}
	return result
}

// extractQwenQuota parses an OpenAI-shaped rate-limit window response, the
// same shape Qwen's passthrough endpoint exposes since it mirrors the OpenAI
// API surface: {"rate_limit":{"allowed":true,"primary_window":{"used_percent":42}}}
// gives 58% remaining. A missing or false "allowed", or "limit_reached":true,
// counts as 0% remaining.
func extractQwenQuota(payload []byte) map[string]quota.ModelQuota {
	var root map[string]any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil
	}
	percent := resolveQwenPercent(root)
	if percent < 0 {
		return nil
	}
	entry := quota.ModelQuota{Percent: percent}
	return map[string]quota.ModelQuota{"*": entry}
}

func resolveQwenPercent(root map[string]any) float64 {
	if root == nil {
		return -1
	}
	rateLimit := toRecord(root["rate_limit"])
	if rateLimit == nil {
		return -1
	}
	allowed := normalizeBoolean(rateLimit["allowed"])
	limitReached := normalizeBoolean(rateLimit["limit_reached"])
	primary := toRecord(rateLimit["primary_window"])
	secondary := toRecord(rateLimit["secondary_window"])
	candidates := []float64{}
	if p, ok := qwenWindowPercent(primary, allowed, limitReached); ok {
		candidates = append(candidates, p)
	}
	if p, ok := qwenWindowPercent(secondary, allowed, limitReached); ok {
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return -1
	}
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p < best {
			best = p
		}
	}
	return best
}

func qwenWindowPercent(window map[string]any, allowed, limitReached bool) (float64, bool) {
	if window == nil {
		return 0, false
	}
	if limitReached || !allowed {
		return 0, true
	}
	used, ok := readFloat(window["used_percent"])
	if !ok {
		return 0, false
	}
	return clampPercent(100 - used), true
}

func addModelQuota(dst map[string]quota.ModelQuota, model string, entry quota.ModelQuota) {
	if dst == nil {
		return
	}
	key := quota.NormalizeModelKey(model)
	if key == "" {
		return
	}
	if existing, ok := dst[key]; ok {
		if entry.Percent <= existing.Percent {
			return
		}
	}
	dst[key] = entry
}

func normalizeString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return ""
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		val := float64(typed)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return ""
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	default:
		return ""
	}
}

func readFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false
		}
		return typed, true
	case float32:
		val := float64(typed)
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return val, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return f, true
		}
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func parseResetTime(value any) time.Time {
	if value == nil {
		return time.Time{}
	}
	if ts := normalizeString(value); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed.UTC()
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func normalizeBoolean(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(typed))
		if trimmed == "true" || trimmed == "1" {
			return true
		}
		if trimmed == "false" || trimmed == "0" {
			return false
		}
	}
	return false
}

func toRecord(value any) map[string]any {
	if value == nil {
		return nil
	}
	if typed, ok := value.(map[string]any); ok {
		return typed
	}
	return nil
}

// resolveKiroProfileARN reads the CodeWhisperer profile ARN an account was
// onboarded with, required to scope the usage-limits request to that profile.
func resolveKiroProfileARN(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	if arn := normalizeString(metadata["profile_arn"]); arn != "" {
		return arn
	}
	return normalizeString(metadata["profileArn"])
}

func summarizePayload(payload []byte) string {
	const max = 512
	trimmed := bytesTrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	if len(trimmed) > max {
		return string(trimmed[:max]) + "...(truncated)"
	}
	return string(trimmed)
}

func bytesTrimSpace(input []byte) []byte {
	if len(input) == 0 {
		return nil
	}
	start := 0
	end := len(input)
	for start < end {
		if input[start] > ' ' {
			break
		}
		start++
	}
	for end > start {
		if input[end-1] > ' ' {
			break
		}
		end--
	}
	return input[start:end]
}
