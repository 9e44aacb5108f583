package upstream

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// maxErrorBodyBytes bounds how much of a failure body is read.
const maxErrorBodyBytes = 32 << 10

// maxErrorMessageLen bounds the message kept for logs and
// classification.
const maxErrorMessageLen = 512

// Error is an upstream failure carrying the status and the decoded
// message, which is what the error classifier keys on.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// ParseErrorBody extracts a human message from an upstream failure
// body. Backends answer with {"error": string}, {"message": string},
// or free text; truncated and non-JSON bodies must not fail the
// caller.
func ParseErrorBody(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}
	if gjson.ValidBytes(body) {
		if v := gjson.GetBytes(body, "error"); v.Type == gjson.String && v.Str != "" {
			return truncate(v.Str)
		}
		if v := gjson.GetBytes(body, "message"); v.Type == gjson.String && v.Str != "" {
			return truncate(v.Str)
		}
	}
	return truncate(text)
}

func truncate(s string) string {
	if len(s) <= maxErrorMessageLen {
		return s
	}
	cut := maxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
