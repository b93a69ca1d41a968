package tokencount

import (
	"strings"
	"testing"
)

func TestEstimateSystem_StringAndArrayShapes(t *testing.T) {
	t.Parallel()
	e := NewClaudeEstimator()

	stringPayload := []byte(`{"system":"You are a helpful assistant."}`)
	if got := e.EstimateSystem(stringPayload); got <= 0 {
		t.Fatalf("expected a positive estimate for a string system prompt, got %d", got)
	}

	arrayPayload := []byte(`{"system":[{"type":"text","text":"Be concise."},{"type":"text","text":"Be accurate."}]}`)
	if got := e.EstimateSystem(arrayPayload); got <= 0 {
		t.Fatalf("expected a positive estimate for an array-shaped system prompt, got %d", got)
	}

	if got := e.EstimateSystem([]byte(`{}`)); got != 0 {
		t.Fatalf("expected 0 when no system field is present, got %d", got)
	}
}

func TestEstimateMessages_SumsAcrossRolesAndContentBlocks(t *testing.T) {
	t.Parallel()
	e := NewClaudeEstimator()
	payload := []byte(`{"messages":[
		{"role":"user","content":"hello there"},
		{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"text","text":"how can I help"}]}
	]}`)
	if got := e.EstimateMessages(payload); got <= 0 {
		t.Fatalf("expected a positive estimate across messages, got %d", got)
	}
}

func TestEstimateTools_PrefersFunctionFieldsOverLegacyToAvoidDoubleCounting(t *testing.T) {
	t.Parallel()
	e := NewClaudeEstimator()
	newFormat := []byte(`{"tools":[{"type":"function","function":{"name":"lookup","description":"look things up","parameters":{"type":"object"}}}]}`)
	legacyFormat := []byte(`{"tools":[{"name":"lookup","description":"look things up","input_schema":{"type":"object"}}]}`)

	newCount := e.EstimateTools(newFormat)
	legacyCount := e.EstimateTools(legacyFormat)
	if newCount <= 0 || legacyCount <= 0 {
		t.Fatalf("expected positive estimates for both tool shapes, got new=%d legacy=%d", newCount, legacyCount)
	}
	// The same tool counted once per shape: a double-counted new-format tool
	// would come out larger than its legacy twin.
	if newCount != legacyCount {
		t.Fatalf("expected equal estimates for the same tool in both shapes, got new=%d legacy=%d", newCount, legacyCount)
	}
}

func TestEstimateTools_FunctionsAliasSupported(t *testing.T) {
	t.Parallel()
	e := NewClaudeEstimator()
	payload := []byte(`{"functions":[{"name":"search","description":"search the web","parameters":{"type":"object"}}]}`)
	if got := e.EstimateTools(payload); got <= 0 {
		t.Fatalf("expected a positive estimate via the legacy functions field, got %d", got)
	}
}

func TestEstimateTools_NoToolsReturnsZero(t *testing.T) {
	t.Parallel()
	e := NewClaudeEstimator()
	if got := e.EstimateTools([]byte(`{"messages":[]}`)); got != 0 {
		t.Fatalf("expected 0 when no tools/functions field is present, got %d", got)
	}
}

func TestEstimateTotal_SumsAllThreeSections(t *testing.T) {
	t.Parallel()
	e := NewClaudeEstimator()
	payload := []byte(`{
		"system":"Be helpful.",
		"messages":[{"role":"user","content":"hi"}],
		"tools":[{"name":"lookup","description":"look things up"}]
	}`)
	total := e.EstimateTotal(payload)
	sum := e.EstimateSystem(payload) + e.EstimateMessages(payload) + e.EstimateTools(payload)
	if total != sum {
		t.Fatalf("EstimateTotal = %d, want sum of parts %d", total, sum)
	}
}

func TestCountTokensFromString_AppliesSmallTextCorrection(t *testing.T) {
	t.Parallel()
	// A short string should round up to at least 1 token, never 0.
	if got := countTokensFromString("hi"); got < 1 {
		t.Fatalf("expected at least 1 token for a short non-empty string, got %d", got)
	}
	if got := countTokensFromString(""); got != 0 {
		t.Fatalf("expected 0 tokens for an empty string, got %d", got)
	}
	// 40 Western chars are 10 raw tokens; under 100 tokens the 1.5x
	// correction applies.
	if got := countTokensFromString(strings.Repeat("a", 40)); got != 15 {
		t.Fatalf("expected 15 tokens (10 x 1.5) for 40 Western chars, got %d", got)
	}
}

func TestCountCharUnits_WeightsNonWesternCharsHigher(t *testing.T) {
	t.Parallel()
	western := countCharUnits("hello")
	cjk := countCharUnits("你好世界猫")
	if cjk <= western {
		t.Fatalf("expected CJK text to cost more char-units per rune than Western text: western=%v cjk=%v", western, cjk)
	}
}

func TestEstimateToolsForClaude_DiscountsGooglePlaceholderToken(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"tools":[{"name":"lookup","description":"a tool with a fairly long description to push the estimate well above one token"}]}`)
	estimated := EstimateToolsForClaude(payload)
	raw := defaultClaudeEstimator.EstimateTools(payload)
	if estimated != raw-1 {
		t.Fatalf("EstimateToolsForClaude = %d, want raw-1 = %d", estimated, raw-1)
	}
}
