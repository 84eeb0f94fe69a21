package compop

import (
	"context"

	"github.com/coder/quartz"
	"github.com/go-kit/log"

	"github.com/daqkit/daqctl/pkg/component"
)

// Operation names, used for group names and operator log lines.
const (
	OpConfigure    = "configure"
	OpConnect      = "connect"
	OpStartRun     = "startRun"
	OpStopRun      = "stopRun"
	OpForcedStop   = "forcedStop"
	OpReset        = "reset"
	OpSwitchRun    = "switchRun"
	OpGetState     = "getState"
	OpGetRunNumber = "getRunNumber"

	OpGetGoodTimes     = "getGoodTimes"
	OpSetFirstGoodTime = "setFirstGoodTime"
	OpSetLastGoodTime  = "setLastGoodTime"
)

// Runner creates operation groups sharing one logger and clock.
type Runner struct {
	Logger log.Logger
	Clock  quartz.Clock
}

func (r Runner) group(name string) *Group[component.State] {
	return NewGroup[component.State](name, r.Logger, r.Clock)
}

// Configure fans the configure call out to every component.
func (r Runner) Configure(ctx context.Context, comps []*component.Handle, name string) *Group[component.State] {
	g := r.group(OpConfigure)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().Configure(ctx, name)
	})
	return g
}

// Connect delivers each component its own inbound connection list, the
// per-target argument case.
func (r Runner) Connect(ctx context.Context, comps []*component.Handle, links map[int][]component.Connection) *Group[component.State] {
	g := r.group(OpConnect)
	for _, c := range comps {
		g.Go(ctx, c, func(ctx context.Context, h *component.Handle) (component.State, error) {
			return h.Client().Connect(ctx, links[h.ID()])
		})
	}
	return g
}

// StartRun fans the run start out to every component.
func (r Runner) StartRun(ctx context.Context, comps []*component.Handle, runNum int) *Group[component.State] {
	g := r.group(OpStartRun)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().StartRun(ctx, runNum)
	})
	return g
}

// StopRun asks every component for a graceful stop.
func (r Runner) StopRun(ctx context.Context, comps []*component.Handle) *Group[component.State] {
	g := r.group(OpStopRun)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().StopRun(ctx)
	})
	return g
}

// ForcedStop is the escalation after a graceful stop went unanswered.
func (r Runner) ForcedStop(ctx context.Context, comps []*component.Handle) *Group[component.State] {
	g := r.group(OpForcedStop)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().ForcedStop(ctx)
	})
	return g
}

// Reset fans the reset call out to every component.
func (r Runner) Reset(ctx context.Context, comps []*component.Handle) *Group[component.State] {
	g := r.group(OpReset)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().Reset(ctx)
	})
	return g
}

// SwitchRun moves every component onto the new run number.
func (r Runner) SwitchRun(ctx context.Context, comps []*component.Handle, runNum int) *Group[component.State] {
	g := r.group(OpSwitchRun)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().SwitchToNewRun(ctx, runNum)
	})
	return g
}

// GetState samples every component's current state.
func (r Runner) GetState(ctx context.Context, comps []*component.Handle) *Group[component.State] {
	g := r.group(OpGetState)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (component.State, error) {
		return h.Client().GetState(ctx)
	})
	return g
}

// GetRunNumbers reads the active run number from every component.
func (r Runner) GetRunNumbers(ctx context.Context, comps []*component.Handle) *Group[int] {
	g := NewGroup[int](OpGetRunNumber, r.Logger, r.Clock)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (int, error) {
		return h.Client().GetRunNumber(ctx)
	})
	return g
}

// SetFirstGoodTime pushes the run-start consensus bound to every component.
func (r Runner) SetFirstGoodTime(ctx context.Context, comps []*component.Handle, ticks int64) *Group[struct{}] {
	g := NewGroup[struct{}](OpSetFirstGoodTime, r.Logger, r.Clock)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (struct{}, error) {
		return struct{}{}, h.Client().SetFirstGoodTime(ctx, ticks)
	})
	return g
}

// SetLastGoodTime pushes the run-stop consensus bound to every component.
func (r Runner) SetLastGoodTime(ctx context.Context, comps []*component.Handle, ticks int64) *Group[struct{}] {
	g := NewGroup[struct{}](OpSetLastGoodTime, r.Logger, r.Clock)
	g.GoAll(ctx, comps, func(ctx context.Context, h *component.Handle) (struct{}, error) {
		return struct{}{}, h.Client().SetLastGoodTime(ctx, ticks)
	})
	return g
}
