package inventory

import (
	"errors"
	"reflect"
	"testing"

	"github.com/modelherd/herd/internal/backend"
)

func mustAdd(t *testing.T, s *Store, spec backend.Spec) *backend.Backend {
	t.Helper()
	b, err := s.Add(spec)
	if err != nil {
		t.Fatalf("Add(%s): %v", spec.ID, err)
	}
	return b
}

func TestAddGeneratesID(t *testing.T) {
	s := NewStore()
	b := mustAdd(t, s, backend.Spec{BaseURL: "http://gpu-1:11434"})
	if b.ID() == "" {
		t.Fatal("expected generated id")
	}
	if got, ok := s.Get(b.ID()); !ok || got != b {
		t.Fatalf("Get(%s) = %v, %v", b.ID(), got, ok)
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})
	_, err := s.Add(backend.Spec{ID: "a", BaseURL: "http://gpu-2:11434"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestAddRejectsDuplicateURL(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})

	dupes := []string{
		"http://gpu-1:11434",
		"http://gpu-1:11434/",
		"http://gpu-1:11434///",
		"  http://gpu-1:11434  ",
		"http%3A%2F%2Fgpu-1%3A11434",
	}
	for _, raw := range dupes {
		if _, err := s.Add(backend.Spec{ID: "b", BaseURL: raw}); !errors.Is(err, ErrDuplicateURL) {
			t.Errorf("Add(%q) err = %v, want ErrDuplicateURL", raw, err)
		}
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	b := mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})

	removed, err := s.Remove("a")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed != b {
		t.Fatal("Remove returned a different backend")
	}
	if _, ok := s.Get("a"); ok {
		t.Fatal("backend still registered after Remove")
	}
	if _, err := s.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestListSortedByID(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, backend.Spec{ID: "charlie", BaseURL: "http://gpu-3:11434"})
	mustAdd(t, s, backend.Spec{ID: "alpha", BaseURL: "http://gpu-1:11434"})
	mustAdd(t, s, backend.Spec{ID: "bravo", BaseURL: "http://gpu-2:11434"})

	var got []string
	for _, b := range s.List() {
		got = append(got, b.ID())
	}
	want := []string{"alpha", "bravo", "charlie"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List ids = %v, want %v", got, want)
	}
}

func TestServersForModel(t *testing.T) {
	s := NewStore()
	a := mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})
	b := mustAdd(t, s, backend.Spec{ID: "b", BaseURL: "http://gpu-2:11434"})
	c := mustAdd(t, s, backend.Spec{ID: "c", BaseURL: "http://gpu-3:11434"})
	a.SetModels([]string{"llama3:8b", "qwen2:7b"})
	b.SetModels([]string{"LLaMA3:8B"})
	c.SetModels([]string{"mistral:7b"})

	var ids []string
	for _, srv := range s.ServersForModel("Llama3:8b") {
		ids = append(ids, srv.ID())
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ServersForModel ids = %v, want %v", ids, want)
	}
	if got := s.ServersForModel("nope"); got != nil {
		t.Fatalf("unknown model returned %v", got)
	}
	if got := s.ServersForModel("  "); got != nil {
		t.Fatalf("blank model returned %v", got)
	}
}

func TestAllModelsAndModelMap(t *testing.T) {
	s := NewStore()
	a := mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})
	b := mustAdd(t, s, backend.Spec{ID: "b", BaseURL: "http://gpu-2:11434"})
	a.SetModels([]string{"llama3:8b", "qwen2:7b"})
	b.SetModels([]string{"llama3:8b"})

	if got, want := s.AllModels(), []string{"llama3:8b", "qwen2:7b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("AllModels = %v, want %v", got, want)
	}
	want := map[string][]string{
		"llama3:8b": {"a", "b"},
		"qwen2:7b":  {"a"},
	}
	if got := s.ModelMap(); !reflect.DeepEqual(got, want) {
		t.Fatalf("ModelMap = %v, want %v", got, want)
	}
}

func TestOperatorToggles(t *testing.T) {
	s := NewStore()
	b := mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})

	if err := s.SetDraining("a", true); err != nil {
		t.Fatalf("SetDraining: %v", err)
	}
	if !b.Draining() {
		t.Fatal("backend not draining")
	}
	if err := s.SetMaintenance("a", true, "fw upgrade"); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}
	if !b.Maintenance() || b.MaintenanceReason() != "fw upgrade" {
		t.Fatalf("maintenance = %v reason = %q", b.Maintenance(), b.MaintenanceReason())
	}
	if err := s.SetDraining("missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetDraining missing err = %v, want ErrNotFound", err)
	}
	if err := s.SetMaintenance("missing", true, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetMaintenance missing err = %v, want ErrNotFound", err)
	}
}

func TestPersistRoundTrip(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434", APIKey: "k1", MaxConcurrency: 8})
	mustAdd(t, s, backend.Spec{ID: "b", BaseURL: "http://gpu-2:11434", Maintenance: true, MaintenanceReason: "ram swap"})

	specs := s.PersistSpecs()
	if len(specs) != 2 {
		t.Fatalf("PersistSpecs len = %d, want 2", len(specs))
	}

	restored := NewStore()
	if n := restored.Load(specs); n != 2 {
		t.Fatalf("Load = %d, want 2", n)
	}
	a, ok := restored.Get("a")
	if !ok {
		t.Fatal("backend a missing after Load")
	}
	if a.APIKey() != "k1" || a.MaxConcurrency() != 8 {
		t.Fatalf("restored a: key %q conc %d", a.APIKey(), a.MaxConcurrency())
	}
	b, _ := restored.Get("b")
	if !b.Maintenance() || b.MaintenanceReason() != "ram swap" {
		t.Fatal("restored b lost maintenance state")
	}
}

func TestLoadSkipsInvalidAndDuplicates(t *testing.T) {
	s := NewStore()
	mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})

	n := s.Load([]backend.Spec{
		{ID: "a", BaseURL: "http://gpu-9:11434"},  // duplicate id
		{ID: "b", BaseURL: "http://gpu-1:11434/"}, // duplicate url
		{ID: "c", BaseURL: "ftp://gpu-2:11434"},   // bad scheme
		{ID: "d", BaseURL: "http://gpu-2:11434"},
	})
	if n != 1 {
		t.Fatalf("Load = %d, want 1", n)
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
	if _, ok := s.Get("d"); !ok {
		t.Fatal("valid record d not loaded")
	}
}

func TestOnChangeHook(t *testing.T) {
	s := NewStore()
	fired := 0
	s.OnChange(func() { fired++ })

	mustAdd(t, s, backend.Spec{ID: "a", BaseURL: "http://gpu-1:11434"})
	if fired != 1 {
		t.Fatalf("after Add fired = %d, want 1", fired)
	}
	if err := s.SetDraining("a", true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Update("a", backend.Spec{MaxConcurrency: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMaintenance("a", true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if fired != 5 {
		t.Fatalf("fired = %d, want 5", fired)
	}

	// Restoring persisted state is not an edit.
	s.Load([]backend.Spec{{ID: "b", BaseURL: "http://gpu-2:11434"}})
	if fired != 5 {
		t.Fatalf("Load fired the hook, fired = %d", fired)
	}
}
