package handlers

// builtinClaudeProviders routes Claude Code's full-version model names to
// the Antigravity channel by default, since a deployment without a direct
// Claude API key would otherwise reject them with "unknown provider for
// model" before the model-alias resolver ever runs.
var builtinClaudeProviders = map[string]string{
	"claude-opus-4-5-20251101":   "antigravity",
	"claude-sonnet-4-5-20250929": "antigravity",
}
