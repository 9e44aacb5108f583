package orchestrator

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/modelherd/herd/internal/backend"
	"github.com/modelherd/herd/internal/breaker"
	"github.com/modelherd/herd/internal/logging"
	"github.com/modelherd/herd/internal/metrics"
	"github.com/modelherd/herd/internal/persist"
	"github.com/modelherd/herd/internal/timeout"
)

// restoreState loads every persisted file present on disk. Missing files
// are a cold start; anything else unreadable fails startup so a corrupt
// state directory is noticed instead of silently reset.
func (o *Orchestrator) restoreState() error {
	if !o.persist.Enabled() {
		return nil
	}
	cfg := o.Config()

	var specs []backend.Spec
	if err := o.loadFile(persist.ServersFile, &specs); err != nil {
		return err
	}
	if n := o.inventory.Load(specs); n > 0 {
		logging.Info("restored servers", zap.Int("count", n))
	}

	var bans []string
	if err := o.loadFile(persist.BansFile, &bans); err != nil {
		return err
	}
	if n := o.bans.Load(bans); n > 0 {
		logging.Info("restored bans", zap.Int("count", n))
	}

	var tstate timeout.PersistedState
	if err := o.loadFile(persist.TimeoutsFile, &tstate); err != nil {
		return err
	}
	o.timeouts.Restore(tstate)

	var bstate breaker.PersistedState
	if err := o.loadFile(persist.BreakersFile, &bstate); err != nil {
		return err
	}
	o.breakers.Restore(bstate)

	var mstate metrics.PersistedState
	if err := o.loadFile(persist.MetricsFile, &mstate); err != nil {
		return err
	}
	o.metrics.Restore(mstate, cfg.Metrics.HistoryWindow)

	return nil
}

func (o *Orchestrator) loadFile(name string, v any) error {
	err := o.persist.LoadJSON(name, v)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", name, err)
	}
	return nil
}

// registerPersistence wires the cron-flushed snapshot sources. Servers and
// bans are written through on change instead; breakers, timeouts, and
// metrics change on every request and are flushed on the schedule.
func (o *Orchestrator) registerPersistence() {
	o.persist.Register(persist.BreakersFile, func() (any, error) {
		return o.breakers.PersistedState(), nil
	})
	o.persist.Register(persist.TimeoutsFile, func() (any, error) {
		return o.timeouts.PersistedState(), nil
	})
	o.persist.Register(persist.MetricsFile, func() (any, error) {
		return o.metrics.PersistedState(o.Config().Metrics.HistoryWindow), nil
	})
	o.persist.Register(persist.ServersFile, func() (any, error) {
		return o.inventory.PersistSpecs(), nil
	})
	o.persist.Register(persist.BansFile, func() (any, error) {
		return o.bans.Keys(), nil
	})
}
