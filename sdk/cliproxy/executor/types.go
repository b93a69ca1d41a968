// Package executor defines the request/response shapes that flow between the
// dispatch engine and the provider-specific upstream codecs.
package executor

// Request is a south-side request already normalized to a single wire shape
// (the OpenAI/Anthropic/Gemini translation layer lives outside the core and
// is treated as an upstream collaborator; by the time a Request reaches a
// codec its Payload is already in that collaborator's canonical JSON).
type Request struct {
	// Model is the caller-facing model name (may carry a thinking-suffix).
	Model string
	// Payload is the translated request body for the target codec.
	Payload []byte
}

// Options carries per-call knobs that do not belong on Request because they
// describe the call, not the content being sent.
type Options struct {
	// SourceFormat names the caller-facing wire format ("openai", "anthropic", "gemini").
	SourceFormat string
	// OriginalRequest is the untranslated caller payload, kept for fidelity
	// when a codec needs to re-derive something the translation dropped.
	OriginalRequest []byte
	// Alt carries a transport hint such as "sse" for streaming negotiation.
	Alt string
	// Stream indicates the caller asked for a streaming response.
	Stream bool
}

// Response is a completed non-streaming upstream call result.
type Response struct {
	Payload []byte
}

// StreamChunk is one unit of a streaming upstream call. Err is set on the
// terminal chunk of a failed stream; a stream is never allowed to emit a
// chunk after Err is non-nil.
type StreamChunk struct {
	Payload []byte
	Err     error
}
