package cooldown

import (
	"testing"
	"time"

	"github.com/modelherd/herd/internal/backend"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) fn() func() time.Time    { return func() time.Time { return c.now } }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(window time.Duration) (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(0, window)
	s.now = clk.fn()
	return s, clk
}

func TestStoreMarkAndExpiry(t *testing.T) {
	s, clk := newTestStore(10 * time.Minute)
	defer s.Close()

	p := backend.PairOf("gpu-1", "llama3")
	if s.InCooldown(p) {
		t.Fatal("fresh store reports a cooldown")
	}

	s.Mark(p)
	if !s.InCooldown(p) {
		t.Fatal("pair not in cooldown after Mark")
	}
	if got := s.Remaining(p); got != 10*time.Minute {
		t.Errorf("Remaining = %v, want 10m", got)
	}

	clk.advance(9 * time.Minute)
	if !s.InCooldown(p) {
		t.Error("cooldown ended early")
	}
	if got := s.Remaining(p); got != time.Minute {
		t.Errorf("Remaining = %v, want 1m", got)
	}

	clk.advance(time.Minute)
	if s.InCooldown(p) {
		t.Error("cooldown should have expired at the window boundary")
	}
	if got := s.Remaining(p); got != 0 {
		t.Errorf("Remaining = %v after expiry, want 0", got)
	}
}

func TestStoreMarkRestartsWindow(t *testing.T) {
	s, clk := newTestStore(10 * time.Minute)
	defer s.Close()

	p := backend.PairOf("gpu-1", "llama3")
	s.Mark(p)
	clk.advance(8 * time.Minute)
	s.Mark(p)
	clk.advance(8 * time.Minute)

	if !s.InCooldown(p) {
		t.Error("second Mark should restart the window")
	}
}

func TestStoreLift(t *testing.T) {
	s, _ := newTestStore(10 * time.Minute)
	defer s.Close()

	p := backend.PairOf("gpu-1", "llama3")
	s.Mark(p)
	s.Lift(p)
	if s.InCooldown(p) {
		t.Error("Lift did not clear the cooldown")
	}
}

func TestStoreRemoveBackend(t *testing.T) {
	s, _ := newTestStore(10 * time.Minute)
	defer s.Close()

	s.Mark(backend.PairOf("gpu-1", "llama3"))
	s.Mark(backend.PairOf("gpu-1", "mistral"))
	s.Mark(backend.PairOf("gpu-2", "llama3"))

	s.RemoveBackend("gpu-1")

	if s.InCooldown(backend.PairOf("gpu-1", "llama3")) || s.InCooldown(backend.PairOf("gpu-1", "mistral")) {
		t.Error("RemoveBackend left a cooldown behind")
	}
	if !s.InCooldown(backend.PairOf("gpu-2", "llama3")) {
		t.Error("RemoveBackend cleared another backend's cooldown")
	}
}

func TestStoreSnapshot(t *testing.T) {
	s, clk := newTestStore(10 * time.Minute)
	defer s.Close()

	p1 := backend.PairOf("gpu-1", "llama3")
	p2 := backend.PairOf("gpu-2", "mistral")
	s.Mark(p1)
	clk.advance(11 * time.Minute)
	s.Mark(p2)

	snap := s.Snapshot()
	if _, ok := snap[p1]; ok {
		t.Error("Snapshot includes an expired cooldown")
	}
	if ts, ok := snap[p2]; !ok || !ts.Equal(clk.now) {
		t.Errorf("Snapshot[p2] = %v, %v; want %v", ts, ok, clk.now)
	}
}

func TestStoreDefaults(t *testing.T) {
	s := NewStore(0, 0)
	defer s.Close()

	if got := s.Window(); got != DefaultWindow {
		t.Errorf("Window = %v, want %v", got, DefaultWindow)
	}
}
