package backend

import (
	"fmt"
	"net/url"
	"strings"
)

// maxDecodePasses bounds the percent-decode fixpoint loop so a
// pathological input cannot spin it.
const maxDecodePasses = 8

// NormalizeURL canonicalizes a backend base URL: whitespace trimmed,
// percent-encoding decoded repeatedly until it stops changing, trailing
// slashes stripped. Two URLs that normalize equal address the same
// backend.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("url is empty")
	}

	for i := 0; i < maxDecodePasses; i++ {
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = decoded
	}
	s = strings.TrimRight(s, "/")

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q: missing host", raw)
	}
	return s, nil
}

// EquivalentURL reports whether two raw URLs normalize to the same
// backend address. Unparseable input is never equivalent to anything.
func EquivalentURL(a, b string) bool {
	na, err := NormalizeURL(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeURL(b)
	if err != nil {
		return false
	}
	return na == nb
}

// NormalizeModel canonicalizes a model name: trimmed, lowercased, and
// whitespace collapsed around path separators so "LLaMA3 / Latest" and
// "llama3/latest" are the same model.
func NormalizeModel(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if !strings.Contains(s, "/") {
		return s
	}
	parts := strings.Split(s, "/")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return strings.Join(parts, "/")
}
