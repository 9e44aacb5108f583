package cooldown

import (
	"sort"
	"sync"
	"time"

	"github.com/modelherd/herd/internal/backend"
)

// BanSet is the permanent per-pair exclusion list. Unlike cooldowns, bans
// never expire; they are loaded from bans.json at startup and lifted only
// through the control plane. Mutations fire the registered change hook so
// the file can be written through immediately.
type BanSet struct {
	mu       sync.RWMutex
	pairs    map[backend.Pair]time.Time
	now      func() time.Time
	onChange func()
}

// NewBanSet builds an empty ban set.
func NewBanSet() *BanSet {
	return &BanSet{
		pairs: make(map[backend.Pair]time.Time),
		now:   time.Now,
	}
}

// OnChange registers a hook invoked after every mutation, outside the
// set's lock. Used for write-through persistence.
func (b *BanSet) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Ban adds the pair. Returns false if it was already banned.
func (b *BanSet) Ban(p backend.Pair) bool {
	b.mu.Lock()
	if _, ok := b.pairs[p]; ok {
		b.mu.Unlock()
		return false
	}
	b.pairs[p] = b.now()
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// Unban removes the pair. Returns false if it was not banned.
func (b *BanSet) Unban(p backend.Pair) bool {
	b.mu.Lock()
	if _, ok := b.pairs[p]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pairs, p)
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return true
}

// Banned reports whether the pair is on the list.
func (b *BanSet) Banned(p backend.Pair) bool {
	b.mu.RLock()
	_, ok := b.pairs[p]
	b.mu.RUnlock()
	return ok
}

// RemoveBackend drops every ban belonging to the backend, returning how
// many were removed.
func (b *BanSet) RemoveBackend(backendID string) int {
	b.mu.Lock()
	n := 0
	for p := range b.pairs {
		if p.BackendID == backendID {
			delete(b.pairs, p)
			n++
		}
	}
	hook := b.onChange
	b.mu.Unlock()

	if n > 0 && hook != nil {
		hook()
	}
	return n
}

// Clear empties the set, returning how many bans were lifted.
func (b *BanSet) Clear() int {
	b.mu.Lock()
	n := len(b.pairs)
	b.pairs = make(map[backend.Pair]time.Time)
	hook := b.onChange
	b.mu.Unlock()

	if n > 0 && hook != nil {
		hook()
	}
	return n
}

// All returns the banned pairs sorted by backend then model.
func (b *BanSet) All() []backend.Pair {
	b.mu.RLock()
	out := make([]backend.Pair, 0, len(b.pairs))
	for p := range b.pairs {
		out = append(out, p)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BackendID != out[j].BackendID {
			return out[i].BackendID < out[j].BackendID
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Len returns the number of bans.
func (b *BanSet) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pairs)
}

// Keys returns the bans.json representation: sorted "backendID:model"
// strings.
func (b *BanSet) Keys() []string {
	all := b.All()
	out := make([]string, len(all))
	for i, p := range all {
		out[i] = p.String()
	}
	return out
}

// Load seeds the set from persisted keys, skipping malformed ones. The
// change hook does not fire; loading is not a mutation worth writing
// back. Returns how many keys were accepted.
func (b *BanSet) Load(keys []string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, key := range keys {
		p, ok := backend.ParsePair(key)
		if !ok {
			continue
		}
		if _, dup := b.pairs[p]; dup {
			continue
		}
		b.pairs[p] = b.now()
		n++
	}
	return n
}
