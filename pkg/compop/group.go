// Package compop fans a single remote operation out to many components at
// once. Each fan-out creates one goroutine per target, waits inside an
// explicit (total, repetitions) budget, and reports per-component results
// keyed by component ID. A target that has not answered when the budget
// lapses is reported as hanging; its goroutine is left to finish on its own
// so callers can escalate instead of cancel.
package compop

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/pkg/errors"

	"github.com/daqkit/daqctl/pkg/component"
)

// Default wait budget for one-shot operations.
const (
	DefaultWaitTotal = 2 * time.Second
	DefaultWaitReps  = 4
)

// Func is one component's unit of work within a group.
type Func[T any] func(ctx context.Context, comp *component.Handle) (T, error)

// Result is the outcome of one component's unit of work. Exactly one of
// Value, Err or Hung is meaningful.
type Result[T any] struct {
	Comp  *component.Handle
	Value T
	Err   error
	Hung  bool
}

// OK reports whether the component finished without error.
func (r Result[T]) OK() bool { return r.Err == nil && !r.Hung }

// Group tracks one fan-out. Register every target with Go before calling
// Wait; a group is never reused for a second operation.
type Group[T any] struct {
	name   string
	logger log.Logger
	clock  quartz.Clock

	mtx     sync.Mutex
	comps   map[int]*component.Handle
	results map[int]Result[T]

	// changed is pulsed after every completion so Wait can return the
	// moment the last unit finishes.
	changed chan struct{}
}

// NewGroup returns an empty fan-out group for the named operation.
func NewGroup[T any](name string, logger log.Logger, clock quartz.Clock) *Group[T] {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Group[T]{
		name:    name,
		logger:  logger,
		clock:   clock,
		comps:   make(map[int]*component.Handle),
		results: make(map[int]Result[T]),
		changed: make(chan struct{}, 1),
	}
}

// Name returns the operation name the group was created for.
func (g *Group[T]) Name() string { return g.name }

// Go starts fn against one component. Errors are recorded, never returned;
// a failing unit does not disturb its siblings.
func (g *Group[T]) Go(ctx context.Context, comp *component.Handle, fn Func[T]) {
	g.mtx.Lock()
	g.comps[comp.ID()] = comp
	g.mtx.Unlock()

	go func() {
		v, err := fn(ctx, comp)
		g.mtx.Lock()
		g.results[comp.ID()] = Result[T]{Comp: comp, Value: v, Err: err}
		g.mtx.Unlock()
		if err != nil {
			level.Debug(g.logger).Log("msg", "component operation failed", "op", g.name, "component", comp.FullName(), "err", err)
		}
		select {
		case g.changed <- struct{}{}:
		default:
		}
	}()
}

// GoAll starts fn against every component in comps.
func (g *Group[T]) GoAll(ctx context.Context, comps []*component.Handle, fn Func[T]) {
	for _, c := range comps {
		g.Go(ctx, c, fn)
	}
}

// NumPending returns how many units have not finished yet.
func (g *Group[T]) NumPending() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return len(g.comps) - len(g.results)
}

// Wait blocks until every unit has finished, the budget lapses, or ctx is
// cancelled, polling at total/reps granularity. It returns true when all
// units finished in time.
func (g *Group[T]) Wait(ctx context.Context, total time.Duration, reps int) bool {
	if g.NumPending() == 0 {
		return true
	}
	if reps < 1 {
		reps = 1
	}
	part := total / time.Duration(reps)
	if part <= 0 {
		part = time.Millisecond
	}

	deadline := g.clock.Now().Add(total)
	ticker := g.clock.NewTicker(part)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-g.changed:
		case <-ctx.Done():
			return g.NumPending() == 0
		}
		if g.NumPending() == 0 {
			return true
		}
		if !g.clock.Now().Before(deadline) {
			return false
		}
	}
}

// Results returns a snapshot of every registered component's outcome.
// Components still running are marked Hung.
func (g *Group[T]) Results() map[int]Result[T] {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	out := make(map[int]Result[T], len(g.comps))
	for id, comp := range g.comps {
		if r, ok := g.results[id]; ok {
			out[id] = r
		} else {
			out[id] = Result[T]{Comp: comp, Hung: true}
		}
	}
	return out
}

// Result returns one component's outcome, if it was registered.
func (g *Group[T]) Result(id int) (Result[T], bool) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	comp, ok := g.comps[id]
	if !ok {
		return Result[T]{}, false
	}
	if r, ok := g.results[id]; ok {
		return r, true
	}
	return Result[T]{Comp: comp, Hung: true}, true
}

// HasValue reports whether the component finished without error.
func (g *Group[T]) HasValue(id int) bool {
	r, ok := g.Result(id)
	return ok && r.OK()
}

// Hung returns the components that have not finished, ordered by ID.
func (g *Group[T]) Hung() []*component.Handle {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	var out []*component.Handle
	for id, comp := range g.comps {
		if _, ok := g.results[id]; !ok {
			out = append(out, comp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// NumErrors counts the units that finished with an error.
func (g *Group[T]) NumErrors() int {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	n := 0
	for _, r := range g.results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Err folds every unit error into one, each wrapped with its component
// name, in ID order. Hung components are not errors here; callers decide
// what hanging means.
func (g *Group[T]) Err() error {
	results := g.Results()
	ids := make([]int, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var errs multierror.MultiError
	for _, id := range ids {
		if r := results[id]; r.Err != nil {
			errs.Add(errors.Wrap(r.Err, r.Comp.FullName()))
		}
	}
	return errs.Err()
}

// ReportErrors emits the single aggregated error line for the group, so a
// mass failure costs one operator log line instead of dozens. The during
// argument names the caller's phase, e.g. a run number or "stop_run".
func (g *Group[T]) ReportErrors(during string) {
	n := g.NumErrors()
	if n == 0 {
		return
	}
	plural := ""
	if n != 1 {
		plural = "s"
	}
	level.Error(g.logger).Log("msg", fmt.Sprintf("Task group %s encountered %d error%s during %s", g.name, n, plural, during))
}

// WaitAndReport waits the default budget, logs the aggregate error line and
// returns the result snapshot plus whether every unit finished in time.
func (g *Group[T]) WaitAndReport(ctx context.Context, during string) (map[int]Result[T], bool) {
	done := g.Wait(ctx, DefaultWaitTotal, DefaultWaitReps)
	g.ReportErrors(during)
	return g.Results(), done
}
