package proxy

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// chunkScanner extracts metadata from streamed response lines: completion
// markers, visible content (for time-to-first-token), and token counts.
// It understands both NDJSON lines and SSE "data:" frames and treats
// anything it cannot parse as opaque payload. A metadata miss must never
// fail the request.
type chunkScanner struct {
	done            bool
	evalCount       int64
	promptEvalCount int64
}

var (
	ssePrefix = []byte("data:")
	sseDone   = []byte("[DONE]")
)

// contentPaths are checked in order; the first non-empty hit counts as
// visible output. They cover generate, chat, and the OpenAI delta shapes.
var contentPaths = []string{
	"response",
	"message.content",
	"choices.0.delta.content",
	"choices.0.text",
}

// scan inspects one line and reports whether it carries visible content.
func (s *chunkScanner) scan(line []byte) (content bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}
	if bytes.HasPrefix(line, ssePrefix) {
		line = bytes.TrimSpace(line[len(ssePrefix):])
		if bytes.Equal(line, sseDone) {
			s.done = true
			return false
		}
	}
	if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
		return false
	}

	for _, path := range contentPaths {
		if v := gjson.GetBytes(line, path); v.Exists() && v.String() != "" {
			content = true
			break
		}
	}
	if v := gjson.GetBytes(line, "done"); v.Type == gjson.True {
		s.done = true
	}
	if v := gjson.GetBytes(line, "choices.0.finish_reason"); v.Type == gjson.String && v.Str != "" {
		s.done = true
	}
	if v := gjson.GetBytes(line, "eval_count"); v.Exists() {
		s.evalCount = v.Int()
	}
	if v := gjson.GetBytes(line, "usage.completion_tokens"); v.Exists() {
		s.evalCount = v.Int()
	}
	if v := gjson.GetBytes(line, "prompt_eval_count"); v.Exists() {
		s.promptEvalCount = v.Int()
	}
	if v := gjson.GetBytes(line, "usage.prompt_tokens"); v.Exists() {
		s.promptEvalCount = v.Int()
	}
	return content
}
