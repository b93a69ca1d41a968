// Package thinking parses the "-thinking" model-name suffix that callers use
// to ask for an extended-thinking variant of a model without the upstream
// gateway needing a second request field for it.
package thinking

import "strings"

const suffix = "-thinking"

// Suffix is the parsed result of splitting a caller-facing model name into
// its base model and whether a thinking variant was requested.
type Suffix struct {
	// ModelName is the model name with any "-thinking" suffix removed. Empty
	// when the input carried no suffix to strip (callers should keep using
	// the original string in that case).
	ModelName string
	// Thinking is true when the input ended in "-thinking".
	Thinking bool
}

// ParseSuffix splits "-thinking" off the end of a model name, case-sensitively
// (model names are not case-normalized here; callers that need a
// case-insensitive comparison should lowercase first).
func ParseSuffix(model string) Suffix {
	if !strings.HasSuffix(model, suffix) {
		return Suffix{}
	}
	base := strings.TrimSuffix(model, suffix)
	if base == "" {
		return Suffix{}
	}
	return Suffix{ModelName: base, Thinking: true}
}

// ApplyThinking appends the thinking suffix to a base model name, unless it
// already carries one.
func ApplyThinking(model string) string {
	if model == "" {
		return model
	}
	if strings.HasSuffix(model, suffix) {
		return model
	}
	return model + suffix
}
