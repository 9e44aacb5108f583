// Package persist owns the data directory: atomic JSON writes with
// rolling backups, and a scheduled flush of registered state producers.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/logging"
)

// Canonical file names under the data directory.
const (
	ServersFile  = "servers.json"
	BansFile     = "bans.json"
	TimeoutsFile = "timeouts.json"
	BreakersFile = "circuit-breakers.json"
	MetricsFile  = "metrics.json"
)

// Config holds persistence tunables.
type Config struct {
	Dir           string        `yaml:"dir"`
	Enabled       bool          `yaml:"enabled"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBackups    int           `yaml:"max_backups"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Dir:           "./data",
		Enabled:       true,
		FlushInterval: 30 * time.Second,
		MaxBackups:    3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxBackups < 0 {
		c.MaxBackups = 0
	}
	return c
}

// Source produces the current snapshot of one persisted file.
type Source func() (any, error)

// Store serializes all file writes under one mutex and flushes
// registered sources on a cron cadence.
type Store struct {
	mu  sync.Mutex
	cfg Config

	sources []namedSource
	cron    *cron.Cron

	now func() time.Time
}

type namedSource struct {
	name string
	fn   Source
}

// New builds a store. Register sources, then Start for scheduled
// flushes.
func New(cfg Config) *Store {
	return &Store{
		cfg:  cfg.withDefaults(),
		cron: cron.New(),
		now:  time.Now,
	}
}

// Enabled reports whether writes reach disk.
func (s *Store) Enabled() bool { return s.cfg.Enabled }

// Path returns the absolute location of a persisted file.
func (s *Store) Path(name string) string {
	return filepath.Join(s.cfg.Dir, name)
}

// Register adds a producer flushed on every cycle. Registration order
// is flush order.
func (s *Store) Register(name string, fn Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, namedSource{name: name, fn: fn})
}

// Start launches the scheduled flush.
func (s *Store) Start() {
	if !s.cfg.Enabled {
		return
	}
	spec := fmt.Sprintf("@every %s", s.cfg.FlushInterval)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.FlushAll(); err != nil {
			logging.Error("scheduled persistence flush failed", zap.Error(err))
		}
	}); err != nil {
		logging.Error("invalid flush schedule", zap.String("spec", spec), zap.Error(err))
		return
	}
	s.cron.Start()
}

// Stop halts the schedule and writes a final flush.
func (s *Store) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	if err := s.FlushAll(); err != nil {
		logging.Error("final persistence flush failed", zap.Error(err))
	}
}

// FlushAll saves every registered source. All sources are attempted;
// errors are joined.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	sources := make([]namedSource, len(s.sources))
	copy(sources, s.sources)
	s.mu.Unlock()

	var errs []error
	for _, src := range sources {
		v, err := src.fn()
		if err != nil {
			errs = append(errs, fmt.Errorf("snapshot %s: %w", src.name, err))
			continue
		}
		if err := s.SaveJSON(src.name, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveJSON writes one file atomically, rotating the previous content
// into a timestamped backup first.
func (s *Store) SaveJSON(name string, v any) error {
	if !s.cfg.Enabled {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	if err := s.backupLocked(path); err != nil {
		logging.Warn("backup rotation failed", zap.String("file", name), zap.Error(err))
	}
	if err := atomicWrite(path, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// LoadJSON reads one persisted file. A missing file reports
// os.ErrNotExist; callers treat that as a cold start.
func (s *Store) LoadJSON(name string, v any) error {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// backupLocked copies the current file to <path>.backup.<epochMillis>
// and prunes old backups past MaxBackups. Zero MaxBackups disables
// backups entirely.
func (s *Store) backupLocked(path string) error {
	if s.cfg.MaxBackups == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	backup := fmt.Sprintf("%s.backup.%d", path, s.now().UnixMilli())
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return err
	}
	return s.pruneLocked(path)
}

func (s *Store) pruneLocked(path string) error {
	dir, base := filepath.Dir(path), filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	prefix := base + ".backup."
	var stamps []int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimPrefix(e.Name(), prefix), 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, ms)
	}
	if len(stamps) <= s.cfg.MaxBackups {
		return nil
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] > stamps[j] })
	var errs []error
	for _, ms := range stamps[s.cfg.MaxBackups:] {
		old := fmt.Sprintf("%s.backup.%d", path, ms)
		if err := os.Remove(old); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// atomicWrite writes data via tmp+fsync+rename.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
