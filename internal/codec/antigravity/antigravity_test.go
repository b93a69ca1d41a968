package antigravity

import (
	"strings"
	"testing"

	"github.com/aigatewayhq/upstream-gateway/internal/codec"
)

func TestParseStreamChunk_BuffersAcrossChunks(t *testing.T) {
	t.Parallel()
	c := New("")
	envelope := `{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}]}}`
	line := "data: " + envelope + "\n"

	// Split the line mid-way to simulate a truncated network read.
	mid := len(line) / 2
	events, err := c.ParseStreamChunk([]byte(line[:mid]))
	if err != nil {
		t.Fatalf("ParseStreamChunk: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events from a partial line, got %d", len(events))
	}

	events, err = c.ParseStreamChunk([]byte(line[mid:]))
	if err != nil {
		t.Fatalf("ParseStreamChunk: %v", err)
	}
	if len(events) != 1 || events[0].Kind != codec.KindText || events[0].Text != "hello" {
		t.Fatalf("expected one text event \"hello\", got %+v", events)
	}
}

func TestParseStreamChunk_IgnoresBlankAndDoneLines(t *testing.T) {
	t.Parallel()
	c := New("")
	events, err := c.ParseStreamChunk([]byte("\n\ndata: [DONE]\n"))
	if err != nil {
		t.Fatalf("ParseStreamChunk: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events for blank/[DONE] lines, got %+v", events)
	}
}

func TestParseStreamChunk_ReasoningAndFunctionCall(t *testing.T) {
	t.Parallel()
	c := New("")
	envelope := `{"response":{"candidates":[{"content":{"role":"model","parts":[` +
		`{"text":"thinking...","thought":true,"thoughtSignature":"sig-1"},` +
		`{"functionCall":{"name":"lookup","args":{"q":"x"}}}` +
		`]},"finishReason":"STOP"}]}}`
	events, err := c.ParseStreamChunk([]byte("data: " + envelope + "\n"))
	if err != nil {
		t.Fatalf("ParseStreamChunk: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least reasoning + functionCall events, got %+v", events)
	}
	if events[0].Kind != codec.KindReasoning || events[0].ThoughtSignature != "sig-1" {
		t.Fatalf("expected a reasoning event preserving thoughtSignature, got %+v", events[0])
	}
	if events[1].Kind != codec.KindFunctionCall || events[1].FunctionName != "lookup" {
		t.Fatalf("expected a functionCall event named lookup, got %+v", events[1])
	}
}

func TestCoalesceForNonStream_GroupsConsecutiveSameKind(t *testing.T) {
	t.Parallel()
	events := []codec.Event{
		{Kind: codec.KindText, Text: "a"},
		{Kind: codec.KindText, Text: "b"},
		{Kind: codec.KindReasoning, Text: "thinking"},
		{Kind: codec.KindText, Text: "c"},
	}
	merged := CoalesceForNonStream(events)
	if len(merged) != 3 {
		t.Fatalf("expected 3 coalesced runs, got %d: %+v", len(merged), merged)
	}
	if merged[0].Text != "ab" {
		t.Fatalf("expected first run to merge to \"ab\", got %q", merged[0].Text)
	}
	if merged[2].Text != "c" {
		t.Fatalf("expected trailing run \"c\", got %q", merged[2].Text)
	}
}

func TestForcesStream_ClaudeAndGemini3ProHigh(t *testing.T) {
	t.Parallel()
	cases := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5-thinking", true},
		{"gemini-3-pro-high", true},
		{"gemini-2.5-flash", false},
	}
	for _, tc := range cases {
		if got := forcesStream(tc.model); got != tc.want {
			t.Errorf("forcesStream(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestBuildNonStreamResponse_IncludesToolCalls(t *testing.T) {
	t.Parallel()
	events := []codec.Event{
		{Kind: codec.KindText, Text: "answer"},
		{Kind: codec.KindFunctionCall, FunctionName: "lookup", FunctionArgs: []byte(`{"q":"x"}`)},
	}
	out, err := BuildNonStreamResponse(events)
	if err != nil {
		t.Fatalf("BuildNonStreamResponse: %v", err)
	}
	if !strings.Contains(string(out), "lookup") {
		t.Fatalf("expected tool_calls to be present in the aggregated response, got %s", out)
	}
}
