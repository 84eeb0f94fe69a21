package cnc

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/compop"
)

// maxDeadCount is how many consecutive sweeps a pooled component may fail
// before it is declared dead and dropped.
const maxDeadCount = 3

// Watchdog pings every pooled component on a timer and sweeps failed
// runsets back into the pool. Components inside a runset are left alone;
// the runset's own tasks watch those.
type Watchdog struct {
	services.Service

	registry *Registry
	logger   log.Logger
}

// NewWatchdog builds the liveness watchdog around the registry's pool.
func NewWatchdog(registry *Registry, logger log.Logger) *Watchdog {
	w := &Watchdog{
		registry: registry,
		logger:   logger,
	}
	w.Service = services.NewTimerService(registry.cfg.WatchdogInterval, nil, w.iteration, nil).WithName("watchdog")
	return w
}

func (w *Watchdog) iteration(ctx context.Context) error {
	w.checkClients(ctx)
	if w.registry.cfg.ReturnFailedRunsets {
		w.sweepFailedRunsets(ctx)
	}
	// A sick component must not take the watchdog down with it.
	return nil
}

// checkClients asks every pooled component for its state. An answer
// clears the dead count; a failure raises it until the component is
// dropped. A hung query marks the component hanging, any other failure
// marks it missing.
func (w *Watchdog) checkClients(ctx context.Context) {
	entries := w.registry.poolEntries()
	if len(entries) == 0 {
		return
	}
	comps := make([]*component.Handle, 0, len(entries))
	byID := make(map[int]*poolEntry, len(entries))
	for _, e := range entries {
		comps = append(comps, e.comp)
		byID[e.comp.ID()] = e
	}

	group := w.registry.runner().GetState(ctx, comps)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)

	for id, res := range group.Results() {
		e, ok := byID[id]
		if !ok {
			continue
		}
		if res.OK() {
			e.deadCount.Store(0)
			e.observed.Store(int32(res.Value))
			continue
		}
		if res.Hung {
			e.observed.Store(int32(component.StateHanging))
		} else {
			e.observed.Store(int32(component.StateMissing))
		}
		w.registry.met.pingFailures.Inc()
		if e.deadCount.Inc() >= maxDeadCount {
			w.registry.discardDead(e)
		}
	}
}

// sweepFailedRunsets returns every runset stuck in the error state to the
// pool, so a failed run does not strand its components.
func (w *Watchdog) sweepFailedRunsets(ctx context.Context) {
	for _, rs := range w.registry.RunsetsInState(component.StateError) {
		level.Error(w.logger).Log("msg", fmt.Sprintf("Returning runset#%d (state=%s)", rs.ID(), rs.State()))
		if err := w.registry.ReturnRunset(ctx, rs); err != nil {
			level.Error(w.logger).Log("msg", fmt.Sprintf("Failed to return %s", rs), "err", err)
		}
	}
}
