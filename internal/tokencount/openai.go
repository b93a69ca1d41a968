package tokencount

import (
	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// OpenAICounter counts tokens in OpenAI-shaped (Qwen) request payloads using
// a real BPE encoding, rather than the Claude char-unit heuristic: Qwen's
// upstream already counts tools/messages correctly, so no compensation is
// needed, only an accurate estimate for pre-flight logging.
type OpenAICounter struct {
	codec tokenizer.Codec
}

// NewOpenAICounter builds a counter using the o200k_base encoding, the
// encoding OpenAI's newer chat models use.
func NewOpenAICounter() (*OpenAICounter, error) {
	codec, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, err
	}
	return &OpenAICounter{codec: codec}, nil
}

// Count tokenizes a single string.
func (c *OpenAICounter) Count(text string) (int64, error) {
	if text == "" {
		return 0, nil
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// CountMessages tokenizes the text content of every message in an
// OpenAI-shaped chat/completions payload.
func (c *OpenAICounter) CountMessages(payload []byte) (int64, error) {
	messages := gjson.GetBytes(payload, "messages")
	if !messages.Exists() || !messages.IsArray() {
		return 0, nil
	}

	var total int64
	var firstErr error
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		var text string
		if content.Type == gjson.String {
			text = content.String()
		} else if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				text += part.Get("text").String()
				return true
			})
		}
		n, err := c.Count(text)
		if err != nil {
			firstErr = err
			return false
		}
		total += n
		return true
	})
	if firstErr != nil {
		return 0, firstErr
	}
	return total, nil
}
