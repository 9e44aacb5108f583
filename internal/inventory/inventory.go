// Package inventory is the fleet registry: which backends exist, what
// they advertise, and the operator state on each. Mutations fire a
// change hook so the registry can be persisted on every edit.
package inventory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/logging"
)

var (
	// ErrNotFound reports an unknown backend ID.
	ErrNotFound = errors.New("backend not found")
	// ErrDuplicateID rejects an Add reusing an existing ID.
	ErrDuplicateID = errors.New("backend id already registered")
	// ErrDuplicateURL rejects an Add whose URL normalizes to an
	// already-registered backend.
	ErrDuplicateURL = errors.New("backend url already registered")
)

// Store holds the fleet. Backends themselves carry their own lock; the
// store lock only guards membership.
type Store struct {
	mu       sync.RWMutex
	backends map[string]*backend.Backend
	onChange func()
}

// NewStore builds an empty registry.
func NewStore() *Store {
	return &Store{backends: make(map[string]*backend.Backend)}
}

// OnChange installs a hook fired after every operator-visible mutation
// (add, remove, update, drain, maintenance). Fired outside the lock.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) changed() {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Add registers a backend. An empty ID gets a generated one. The URL
// must not normalize to any registered backend's address.
func (s *Store) Add(spec backend.Spec) (*backend.Backend, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	b, err := backend.New(spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.backends[b.ID()]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, b.ID())
	}
	for _, existing := range s.backends {
		if existing.BaseURL() == b.BaseURL() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s (as %s)", ErrDuplicateURL, b.BaseURL(), existing.ID())
		}
	}
	s.backends[b.ID()] = b
	s.mu.Unlock()

	logging.Info("backend added",
		zap.String("backend", b.ID()),
		zap.String("url", b.BaseURL()))
	s.changed()
	return b, nil
}

// Remove deregisters a backend and returns it so callers can clean up
// the per-pair state keyed on it.
func (s *Store) Remove(id string) (*backend.Backend, error) {
	s.mu.Lock()
	b, ok := s.backends[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.backends, id)
	s.mu.Unlock()

	logging.Info("backend removed", zap.String("backend", id))
	s.changed()
	return b, nil
}

// Update applies a patch to a backend's mutable fields.
func (s *Store) Update(id string, spec backend.Spec) (*backend.Backend, error) {
	b, ok := s.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b.Update(spec)
	logging.Info("backend updated", zap.String("backend", id))
	s.changed()
	return b, nil
}

// Get returns a backend by ID.
func (s *Store) Get(id string) (*backend.Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[id]
	return b, ok
}

// Len returns the fleet size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.backends)
}

// List returns every backend, sorted by ID.
func (s *Store) List() []*backend.Backend {
	s.mu.RLock()
	out := make([]*backend.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Snapshots returns the redacted control-plane view of the fleet.
func (s *Store) Snapshots() []backend.Snapshot {
	list := s.List()
	out := make([]backend.Snapshot, len(list))
	for i, b := range list {
		out[i] = b.Snapshot()
	}
	return out
}

// ServersForModel returns the backends advertising a model, sorted by
// ID. Operator state and health are not filtered here; the admission
// path applies those.
func (s *Store) ServersForModel(model string) []*backend.Backend {
	name := backend.NormalizeModel(model)
	if name == "" {
		return nil
	}
	var out []*backend.Backend
	for _, b := range s.List() {
		if b.HasModel(name) {
			out = append(out, b)
		}
	}
	return out
}

// AllModels returns the union of advertised models, sorted.
func (s *Store) AllModels() []string {
	seen := make(map[string]struct{})
	for _, b := range s.List() {
		for _, m := range b.Models() {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ModelMap returns model name to sorted backend IDs, the control-plane
// routing view.
func (s *Store) ModelMap() map[string][]string {
	out := make(map[string][]string)
	for _, b := range s.List() {
		for _, m := range b.Models() {
			out[m] = append(out[m], b.ID())
		}
	}
	return out
}

// SetDraining toggles drain on a backend.
func (s *Store) SetDraining(id string, draining bool) error {
	b, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b.SetDraining(draining)
	logging.Info("backend drain toggled",
		zap.String("backend", id),
		zap.Bool("draining", draining))
	s.changed()
	return nil
}

// SetMaintenance toggles maintenance on a backend.
func (s *Store) SetMaintenance(id string, on bool, reason string) error {
	b, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	b.SetMaintenance(on, reason)
	logging.Info("backend maintenance toggled",
		zap.String("backend", id),
		zap.Bool("maintenance", on),
		zap.String("reason", reason))
	s.changed()
	return nil
}

// PersistSpecs returns the persistable fleet records, sorted by ID.
// Transient fields (health, models, version) are not part of the Spec.
func (s *Store) PersistSpecs() []backend.Spec {
	list := s.List()
	out := make([]backend.Spec, len(list))
	for i, b := range list {
		out[i] = b.PersistSpec()
	}
	return out
}

// Load restores the fleet from persisted specs. Invalid or duplicate
// records are skipped with a warning; the change hook does not fire.
func (s *Store) Load(specs []backend.Spec) int {
	loaded := 0
	for _, spec := range specs {
		b, err := backend.New(spec)
		if err != nil {
			logging.Warn("skipping persisted backend", zap.Error(err))
			continue
		}
		s.mu.Lock()
		dup := false
		if _, ok := s.backends[b.ID()]; ok {
			dup = true
		} else {
			for _, existing := range s.backends {
				if existing.BaseURL() == b.BaseURL() {
					dup = true
					break
				}
			}
		}
		if !dup {
			s.backends[b.ID()] = b
			loaded++
		}
		s.mu.Unlock()
		if dup {
			logging.Warn("skipping duplicate persisted backend",
				zap.String("backend", b.ID()),
				zap.String("url", b.BaseURL()))
		}
	}
	return loaded
}
