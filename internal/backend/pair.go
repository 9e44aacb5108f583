package backend

import "strings"

// Pair identifies the (backend, model) unit that breakers, metrics,
// cooldowns, timeouts and in-flight counters are keyed by. It is a
// comparable value type so it can key maps directly.
type Pair struct {
	BackendID string `json:"backend_id"`
	Model     string `json:"model"`
}

// PairOf builds a Pair, normalizing the model name.
func PairOf(backendID, model string) Pair {
	return Pair{BackendID: backendID, Model: NormalizeModel(model)}
}

// String renders the canonical "backendID:model" key used in persisted
// files and logs. Backend IDs cannot contain ":", so the first colon
// always ends the ID even when the model name carries a tag.
func (p Pair) String() string {
	return p.BackendID + ":" + p.Model
}

// ParsePair inverts String, normalizing the model half. ok is false when
// either half is missing or the model normalizes to nothing.
func ParsePair(key string) (Pair, bool) {
	backendID, model, ok := strings.Cut(key, ":")
	if !ok || backendID == "" {
		return Pair{}, false
	}
	p := PairOf(backendID, model)
	if p.Model == "" {
		return Pair{}, false
	}
	return p, true
}

// IsZero reports whether the pair is empty.
func (p Pair) IsZero() bool {
	return p.BackendID == "" && p.Model == ""
}
