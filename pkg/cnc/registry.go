// Package cnc is the command-and-control daemon around the runset
// lifecycle: a registry holding the idle-component pool and the live
// runsets, a watchdog keeping the pool honest, and the operator HTTP API
// the two are driven through.
package cnc

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/compop"
	"github.com/daqkit/daqctl/pkg/runset"
)

var errStartInterrupted = errors.New("Start interrupted")

// ComponentName names one expected component instance in a run
// configuration, e.g. "stringHub#12" or the bare "eventBuilder".
type ComponentName struct {
	Name string
	Num  int
}

// FullName spells the instance the way the operator log does.
func (cn ComponentName) FullName() string {
	if cn.Num == 0 && !strings.HasSuffix(strings.ToLower(cn.Name), "hub") {
		return cn.Name
	}
	return fmt.Sprintf("%s#%d", cn.Name, cn.Num)
}

// ParseComponentName splits the "name#num" spelling; a bare name means
// instance 0.
func ParseComponentName(s string) (ComponentName, error) {
	if s == "" {
		return ComponentName{}, errors.New("Bad component name (empty)")
	}
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return ComponentName{Name: s}, nil
	}
	num, err := strconv.Atoi(s[i+1:])
	if err != nil || s[:i] == "" {
		return ComponentName{}, errors.Errorf("Bad component name %q", s)
	}
	return ComponentName{Name: s[:i], Num: num}, nil
}

// ParseComponentNames parses a whole component list.
func ParseComponentNames(list []string) ([]ComponentName, error) {
	out := make([]ComponentName, 0, len(list))
	for _, s := range list {
		cn, err := ParseComponentName(s)
		if err != nil {
			return nil, err
		}
		out = append(out, cn)
	}
	return out, nil
}

func componentNames(names []ComponentName) string {
	parts := make([]string, 0, len(names))
	for _, cn := range names {
		parts = append(parts, cn.FullName())
	}
	return strings.Join(parts, ", ")
}

// RunConfig is what a runset is built from: the configuration name the
// components will load and the instances the set must contain.
type RunConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Components []string `yaml:"components" json:"components"`
}

// Registration is what a component gets back when it says hello: its
// assigned ID, the server identity, and the liveness contract it can
// expect to be held to.
type Registration struct {
	ID           int           `json:"id"`
	ServerID     int64         `json:"server_id"`
	PingInterval time.Duration `json:"ping_interval"`
	DeadInterval time.Duration `json:"dead_interval"`
}

// poolEntry is one idle component plus its liveness bookkeeping. observed
// holds what the last watchdog sweep saw; missing and dead are watchdog
// verdicts, never states a component reports itself.
type poolEntry struct {
	comp      *component.Handle
	deadCount atomic.Int32
	observed  atomic.Int32
}

func newPoolEntry(comp *component.Handle) *poolEntry {
	e := &poolEntry{comp: comp}
	e.observed.Store(int32(component.StateIdle))
	return e
}

func (e *poolEntry) state() component.State {
	return component.State(e.observed.Load())
}

// Registry owns the idle-component pool and the live runset table. All
// IDs come from counters on the instance, so independent registries never
// collide.
type Registry struct {
	cfg       Config
	logger    log.Logger
	met       *Metrics
	runsetMet *runset.Metrics
	clock     quartz.Clock
	sinks     runset.Sinks

	serverID     int64
	nextCompID   atomic.Int64
	nextRunsetID atomic.Int64

	// starting is the abort flag for a build in progress; the collection
	// loop and the build checkpoints read it between steps.
	starting atomic.Bool
	makeMtx  sync.Mutex

	mtx  sync.Mutex
	pool map[int]*poolEntry
	sets map[int]*runset.RunSet
}

// NewRegistry builds an empty registry. Both metrics arguments may be
// nil; a nil clock means wall time.
func NewRegistry(cfg Config, sinks runset.Sinks, met *Metrics, runsetMet *runset.Metrics, logger log.Logger, clock quartz.Clock) *Registry {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if met == nil {
		met = NewMetrics(nil)
	}
	if runsetMet == nil {
		runsetMet = runset.NewMetrics(nil)
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger,
		met:       met,
		runsetMet: runsetMet,
		clock:     clock,
		sinks:     sinks,
		serverID:  clock.Now().Unix(),
		pool:      make(map[int]*poolEntry),
		sets:      make(map[int]*runset.RunSet),
	}
}

// ServerID identifies this registry instance to registering components.
func (r *Registry) ServerID() int64 { return r.serverID }

func (r *Registry) runner() compop.Runner {
	return compop.Runner{Logger: r.logger, Clock: r.clock}
}

// Register adds a freshly announced component to the idle pool and hands
// back its ID plus the liveness contract: how often the server pings and
// how long silence is tolerated.
func (r *Registry) Register(name string, num int, host string, connectors []component.Connector, client component.Client) (Registration, error) {
	if name == "" {
		return Registration{}, errors.New("Bad component name (should be a non-empty string)")
	}
	id := int(r.nextCompID.Inc())
	h := component.NewHandle(id, name, num, host, connectors, client)

	r.mtx.Lock()
	r.pool[id] = newPoolEntry(h)
	r.met.poolComponents.Set(float64(len(r.pool)))
	r.mtx.Unlock()

	r.met.registrations.Inc()
	level.Debug(r.logger).Log("msg", fmt.Sprintf("Registered %s", h.FullName()))
	return Registration{
		ID:           id,
		ServerID:     r.serverID,
		PingInterval: r.cfg.WatchdogInterval,
		DeadInterval: time.Duration(maxDeadCount) * r.cfg.WatchdogInterval,
	}, nil
}

// NumComponents returns how many idle components sit in the pool.
func (r *Registry) NumComponents() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.pool)
}

// NumRunsets returns how many runsets are live.
func (r *Registry) NumRunsets() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.sets)
}

// ComponentStatus is the operator view of one idle component.
type ComponentStatus struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Num       int    `json:"num"`
	Host      string `json:"host"`
	State     string `json:"state"`
	DeadCount int    `json:"dead_count"`
}

// ListComponents reports the pool contents ordered by ID.
func (r *Registry) ListComponents() []ComponentStatus {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]ComponentStatus, 0, len(r.pool))
	for _, e := range r.pool {
		out = append(out, ComponentStatus{
			ID:        e.comp.ID(),
			Name:      e.comp.Name(),
			Num:       e.comp.Num(),
			Host:      e.comp.Host(),
			State:     e.state().String(),
			DeadCount: int(e.deadCount.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunsetStatus is the operator view of one runset.
type RunsetStatus struct {
	ID         int      `json:"id"`
	State      string   `json:"state"`
	ConfigName string   `json:"config_name"`
	RunNumber  int      `json:"run_number,omitempty"`
	Components []string `json:"components"`
}

func runsetStatus(rs *runset.RunSet) RunsetStatus {
	comps := rs.Components()
	names := make([]string, 0, len(comps))
	for _, c := range comps {
		names = append(names, c.FullName())
	}
	return RunsetStatus{
		ID:         rs.ID(),
		State:      rs.State().String(),
		ConfigName: rs.ConfigName(),
		RunNumber:  rs.RunNumber(),
		Components: names,
	}
}

// ListRunsets reports every live runset ordered by ID.
func (r *Registry) ListRunsets() []RunsetStatus {
	sets := r.Runsets()
	out := make([]RunsetStatus, 0, len(sets))
	for _, rs := range sets {
		out = append(out, runsetStatus(rs))
	}
	return out
}

// Runsets returns the live runsets ordered by ID.
func (r *Registry) Runsets() []*runset.RunSet {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]*runset.RunSet, 0, len(r.sets))
	for _, rs := range r.sets {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RunsetsInState returns the live runsets currently in the given state.
func (r *Registry) RunsetsInState(st component.State) []*runset.RunSet {
	var out []*runset.RunSet
	for _, rs := range r.Runsets() {
		if rs.State() == st {
			out = append(out, rs)
		}
	}
	return out
}

// Runset finds one live runset by ID.
func (r *Registry) Runset(id int) (*runset.RunSet, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	rs, ok := r.sets[id]
	if !ok {
		return nil, errors.Errorf("Could not find runset#%d", id)
	}
	return rs, nil
}

// AbortStart interrupts a runset build in progress. The collection loop
// and the build checkpoints notice on their next pass.
func (r *Registry) AbortStart() {
	r.starting.Store(false)
}

// MakeRunset collects the named components from the pool, wires them into
// a runset and configures it. On any failure every collected component is
// reset and returned to the pool.
func (r *Registry) MakeRunset(ctx context.Context, rc RunConfig) (*runset.RunSet, error) {
	r.makeMtx.Lock()
	defer r.makeMtx.Unlock()
	r.starting.Store(true)
	defer r.starting.Store(false)

	rs, err := r.makeRunset(ctx, rc)
	if err != nil {
		r.met.buildFailures.Inc()
		return nil, err
	}
	r.met.runsetsBuilt.Inc()
	return rs, nil
}

func (r *Registry) makeRunset(ctx context.Context, rc RunConfig) (*runset.RunSet, error) {
	if rc.Name == "" {
		return nil, errors.New("No run configuration name given")
	}
	needed, err := ParseComponentNames(rc.Components)
	if err != nil {
		return nil, err
	}
	if len(needed) == 0 {
		return nil, errors.Errorf("No components found in run configuration %q", rc.Name)
	}

	collected, err := r.collectComponents(ctx, needed)
	if err != nil {
		r.returnComponents(ctx, collected)
		return nil, err
	}

	id := int(r.nextRunsetID.Inc())
	rs, err := runset.New(id, collected, rc.Name, r.cfg.RunSet, r.runsetMet, r.sinks, r.logger, r.clock)
	if err != nil {
		r.returnComponents(ctx, collected)
		return nil, err
	}

	if err := r.wireRunset(ctx, rs); err != nil {
		if scrapErr := r.scrapRunset(ctx, rs); scrapErr != nil {
			level.Error(r.logger).Log("msg", fmt.Sprintf("Could not return %s components", rs), "err", scrapErr)
		}
		return nil, err
	}

	r.mtx.Lock()
	r.sets[id] = rs
	r.met.liveRunsets.Set(float64(len(r.sets)))
	r.mtx.Unlock()

	level.Info(r.logger).Log("msg", fmt.Sprintf("Built runset #%d: %s", id, component.Names(rs.Components())))
	return rs, nil
}

// collectComponents takes the needed components out of the pool, waiting
// for stragglers until the collection budget lapses or the build is
// aborted. Whatever was collected is returned alongside the error so the
// caller can put it back.
func (r *Registry) collectComponents(ctx context.Context, needed []ComponentName) ([]*component.Handle, error) {
	var collected []*component.Handle

	attempts := int(r.cfg.CollectionTimeout / r.cfg.CollectionWait)
	if attempts < 1 {
		attempts = 1
	}
	retry := backoff.New(ctx, backoff.Config{
		MinBackoff: r.cfg.CollectionWait,
		MaxBackoff: r.cfg.CollectionWait,
		MaxRetries: attempts,
	})
	for {
		if !r.starting.Load() {
			return collected, errors.New("Collect interrupted")
		}
		found, missing := r.takeFromPool(needed)
		collected = append(collected, found...)
		needed = missing
		if len(needed) == 0 {
			return collected, nil
		}
		if !retry.Ongoing() {
			break
		}
		level.Info(r.logger).Log("msg", fmt.Sprintf("Waiting for %d components: %s", len(needed), componentNames(needed)))
		retry.Wait()
	}
	return collected, errors.Errorf("Still waiting for %s", componentNames(needed))
}

// takeFromPool removes every available wanted component from the pool.
// Dying components are passed over; ties go to the lowest ID.
func (r *Registry) takeFromPool(needed []ComponentName) ([]*component.Handle, []ComponentName) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	ids := make([]int, 0, len(r.pool))
	for id := range r.pool {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var found []*component.Handle
	var missing []ComponentName
	for _, want := range needed {
		taken := false
		for _, id := range ids {
			e, ok := r.pool[id]
			if !ok || e.deadCount.Load() > 0 || !e.comp.Matches(want.Name, want.Num) {
				continue
			}
			delete(r.pool, id)
			found = append(found, e.comp)
			taken = true
			break
		}
		if !taken {
			missing = append(missing, want)
		}
	}
	r.met.poolComponents.Set(float64(len(r.pool)))
	return found, missing
}

// wireRunset runs the build-time lifecycle, checking for an operator
// abort between phases.
func (r *Registry) wireRunset(ctx context.Context, rs *runset.RunSet) error {
	if !r.starting.Load() {
		return errStartInterrupted
	}
	if err := rs.Connect(ctx); err != nil {
		return err
	}
	if !r.starting.Load() {
		return errStartInterrupted
	}
	if err := rs.Configure(ctx); err != nil {
		return err
	}
	if !r.starting.Load() {
		return errStartInterrupted
	}
	return nil
}

// scrapRunset tears down a half-built runset and repools its components.
func (r *Registry) scrapRunset(ctx context.Context, rs *runset.RunSet) error {
	comps, err := rs.ReleaseComponents()
	if err != nil {
		return err
	}
	r.returnComponents(ctx, comps)
	return rs.Destroy()
}

// returnComponents resets the components and puts them back in the pool.
func (r *Registry) returnComponents(ctx context.Context, comps []*component.Handle) {
	if len(comps) == 0 {
		return
	}
	group := r.runner().Reset(ctx, comps)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	group.ReportErrors(compop.OpReset)
	r.addToPool(comps)
}

// addToPool re-enters components into the idle pool with fresh liveness
// bookkeeping.
func (r *Registry) addToPool(comps []*component.Handle) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for _, c := range comps {
		c.SetOrder(0)
		r.pool[c.ID()] = newPoolEntry(c)
	}
	r.met.poolComponents.Set(float64(len(r.pool)))
}

// poolEntries snapshots the pool for the watchdog sweep.
func (r *Registry) poolEntries() []*poolEntry {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]*poolEntry, 0, len(r.pool))
	for _, e := range r.pool {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].comp.ID() < out[j].comp.ID() })
	return out
}

// discardDead removes the entry from the pool and tears down its client.
func (r *Registry) discardDead(e *poolEntry) {
	r.mtx.Lock()
	delete(r.pool, e.comp.ID())
	r.met.poolComponents.Set(float64(len(r.pool)))
	r.mtx.Unlock()

	r.met.deadComponents.Inc()
	level.Error(r.logger).Log("msg", fmt.Sprintf("Dropping dead component %s", e.comp.FullName()))
	if err := e.comp.Client().Close(); err != nil {
		level.Error(r.logger).Log("msg", fmt.Sprintf("Could not close %s: %s", e.comp.FullName(), err))
	}
}

// removeRunset drops the runset from the live table.
func (r *Registry) removeRunset(rs *runset.RunSet) {
	r.mtx.Lock()
	delete(r.sets, rs.ID())
	r.met.liveRunsets.Set(float64(len(r.sets)))
	r.mtx.Unlock()
}

// ReturnRunset resets the runset and returns its components to the pool.
// Components the reset left needing a power cycle are closed and dropped;
// the operator has to bring those back by hand.
func (r *Registry) ReturnRunset(ctx context.Context, rs *runset.RunSet) error {
	r.removeRunset(rs)

	cycle := rs.Reset(ctx)

	var savedErr error
	comps, err := rs.ReleaseComponents()
	if err != nil {
		savedErr = err
	}

	discard := make(map[int]bool, len(cycle))
	for _, c := range cycle {
		discard[c.ID()] = true
	}
	if len(cycle) > 0 {
		level.Error(r.logger).Log("msg", fmt.Sprintf("Cycling components %s", component.Names(cycle)))
		for _, c := range cycle {
			if err := c.Client().Close(); err != nil {
				level.Error(r.logger).Log("msg", fmt.Sprintf("Could not close %s: %s", c.FullName(), err))
			}
		}
	}

	keep := make([]*component.Handle, 0, len(comps))
	for _, c := range comps {
		if !discard[c.ID()] {
			keep = append(keep, c)
		}
	}
	r.addToPool(keep)

	if err := rs.Destroy(); err != nil && savedErr == nil {
		savedErr = err
	}
	return savedErr
}

// BreakRunset breaks up an idle runset and returns its components.
func (r *Registry) BreakRunset(ctx context.Context, id int) error {
	rs, err := r.Runset(id)
	if err != nil {
		return err
	}
	if rs.State() == component.StateRunning {
		return errors.Errorf("Cannot break up running runset #%d", id)
	}
	return r.ReturnRunset(ctx, rs)
}

// Shutdown stops every active run, breaks up every runset and returns the
// components to the pool. The first error is kept, later ones logged.
func (r *Registry) Shutdown(ctx context.Context) error {
	var savedErr error
	save := func(rs *runset.RunSet, err error) {
		if err == nil {
			return
		}
		if savedErr == nil {
			savedErr = err
			return
		}
		level.Error(r.logger).Log("msg", fmt.Sprintf("Failed to return %s", rs), "err", err)
	}

	for _, rs := range r.Runsets() {
		if rs.State() == component.StateRunning {
			save(rs, rs.StopRun(ctx, "Shutdown", false))
		}
		save(rs, r.ReturnRunset(ctx, rs))
	}
	return savedErr
}
