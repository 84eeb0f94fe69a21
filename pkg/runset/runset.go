package runset

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/compop"
)

// NormalStop is the caller tag for an operator-requested stop; any other
// tag marks the stop as abnormal in the operator log.
const NormalStop = "NormalStop"

// switchPollInterval is how often the switch path re-reads the builders'
// run numbers.
const switchPollInterval = 500 * time.Millisecond

// RunSet drives one fixed group of components through the run lifecycle as
// a single unit. The whole stop sequence runs under one guard, so an
// operator stop and a watchdog stop cannot interleave; every other entry
// point takes state snapshots and re-polls rather than trusting a single
// read.
type RunSet struct {
	id     int
	cfg    Config
	logger log.Logger
	met    *Metrics
	clock  quartz.Clock
	sinks  Sinks

	comps    []*component.Handle
	compByID map[int]*component.Handle
	connMap  ConnMap
	starts   *startSets

	configName string

	mtx        sync.Mutex
	state      component.State
	configured bool
	runData    *RunData
	tasks      *TaskManager

	stopMtx    sync.Mutex
	stopCaller string
}

// New assembles a runset: resolves the connection topology, assigns the
// start order and derives the start and stop groups. The component list is
// sorted by descending order on return; topology violations fail the build
// and are never retried.
func New(id int, comps []*component.Handle, configName string, cfg Config, met *Metrics, sinks Sinks, logger log.Logger, clock quartz.Clock) (*RunSet, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if met == nil {
		met = NewMetrics(nil)
	}
	logger = log.With(logger, "runset", id)

	connMap, err := BuildConnectionMap(comps)
	if err != nil {
		return nil, err
	}
	if err := AssignOrder(comps, connMap, logger); err != nil {
		return nil, err
	}
	component.SortByOrder(comps)
	starts, err := buildStartSets(comps)
	if err != nil {
		return nil, err
	}

	byID := make(map[int]*component.Handle, len(comps))
	for _, comp := range comps {
		byID[comp.ID()] = comp
	}
	return &RunSet{
		id:         id,
		cfg:        cfg,
		logger:     logger,
		met:        met,
		clock:      clock,
		sinks:      sinks.orNop(),
		comps:      comps,
		compByID:   byID,
		connMap:    connMap,
		starts:     starts,
		configName: configName,
		state:      component.StateIdle,
	}, nil
}

func (rs *RunSet) ID() int            { return rs.id }
func (rs *RunSet) String() string     { return fmt.Sprintf("RunSet #%d", rs.id) }
func (rs *RunSet) ConfigName() string { return rs.configName }

// Components returns the member list in start order.
func (rs *RunSet) Components() []*component.Handle {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()
	out := make([]*component.Handle, len(rs.comps))
	copy(out, rs.comps)
	return out
}

// State returns the runset's lifecycle state.
func (rs *RunSet) State() component.State {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()
	return rs.state
}

func (rs *RunSet) setState(st component.State) {
	rs.mtx.Lock()
	rs.state = st
	rs.mtx.Unlock()
	rs.met.stateTransitions.WithLabelValues(st.String()).Inc()
}

// RunData returns the accounting record of the current or most recent run,
// nil when no run was started since the last reset.
func (rs *RunSet) RunData() *RunData {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()
	return rs.runData
}

// RunNumber returns the active run number, 0 when no run was started.
func (rs *RunSet) RunNumber() int {
	if rd := rs.RunData(); rd != nil {
		return rd.RunNumber()
	}
	return 0
}

func (rs *RunSet) runner() compop.Runner {
	return compop.Runner{Logger: rs.logger, Clock: rs.clock}
}

// Connect delivers every component its inbound connection list and waits
// for the wiring to land.
func (rs *RunSet) Connect(ctx context.Context) error {
	rs.setState(component.StateConnecting)

	group := rs.runner().Connect(ctx, rs.comps, rs.connMap.Wire())
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	group.ReportErrors(compop.OpConnect)

	bad := rs.waitForStates(ctx, rs.comps, component.StateConnected, []component.State{component.StateConnected}, rs.cfg.StateTimeout)
	if len(bad) > 0 {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpConnect).Inc()
		rs.setState(component.StateError)
		return errors.Errorf("Could not connect runset#%d components: %s", rs.id, rs.badStateString(bad))
	}
	rs.setState(component.StateConnected)
	return nil
}

// Configure distributes the run configuration and waits for every
// component to work through configuring into ready. The wait runs in two
// phases with the full ceiling each: first until everyone has at least
// acknowledged, then until everyone is done.
func (rs *RunSet) Configure(ctx context.Context) error {
	rs.setState(component.StateConfiguring)

	group := rs.runner().Configure(ctx, rs.comps, rs.configName)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	group.ReportErrors(rs.configName)

	begin := rs.clock.Now()
	accept := []component.State{component.StateConfiguring, component.StateReady}
	bad := rs.waitForStates(ctx, rs.comps, component.StateReady, accept, rs.cfg.ConfigureTimeout)
	if len(bad) == 0 {
		bad = rs.waitForStates(ctx, rs.comps, component.StateReady, []component.State{component.StateReady}, rs.cfg.ConfigureTimeout)
	}
	rs.met.waitSeconds.WithLabelValues("configure").Observe(rs.clock.Since(begin).Seconds())

	if len(bad) > 0 {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpConfigure).Inc()
		rs.setState(component.StateError)
		return errors.Errorf("Could not configure runset#%d components: %s", rs.id, rs.badStateString(bad))
	}

	rs.mtx.Lock()
	rs.configured = true
	rs.mtx.Unlock()
	rs.setState(component.StateReady)
	return nil
}

// StartRun starts a run: builders and middle components first as one
// fan-out, sources as a second, each waited into running under its own
// ceiling. The run is not declared started until the earliest-arrival
// good-time poller has produced an opening bound from the hubs.
func (rs *RunSet) StartRun(ctx context.Context, runNum int, clusterDesc string, options RunOption) error {
	rs.mtx.Lock()
	configured := rs.configured
	state := rs.state
	rs.mtx.Unlock()
	if !configured {
		return errors.Errorf("RunSet #%d is not configured", rs.id)
	}
	if state != component.StateReady {
		return errors.Errorf("Cannot start runset from state \"%s\"", state)
	}
	if len(rs.starts.sources) == 0 {
		return errors.Errorf("Cannot start run %d; no sources found!", runNum)
	}

	rd := NewRunData(runNum, rs.configName, clusterDesc, options, rs.sinks, rs.logger, rs.clock)
	rs.mtx.Lock()
	rs.runData = rd
	rs.mtx.Unlock()

	level.Info(rd.Logger()).Log("msg", fmt.Sprintf("Starting run #%d on \"%s\"", runNum, clusterDesc))
	rs.setState(component.StateStarting)

	if err := rs.startGroup(ctx, rd, "NonHubs", rs.starts.nonHubs(), runNum); err != nil {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpStartRun).Inc()
		rs.setState(component.StateError)
		return err
	}
	if err := rs.startGroup(ctx, rd, "Hubs", rs.starts.sources, runNum); err != nil {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpStartRun).Inc()
		rs.setState(component.StateError)
		return err
	}

	poller := NewFirstGoodTimeTask(rs.comps, rs.cfg, rd.ReportGoodTime, rd.Logger(), rs.clock)
	if err := poller.StartAsync(context.Background()); err == nil {
		_ = poller.AwaitTerminated(ctx)
	}
	if _, ok := poller.Best(); !ok {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpStartRun).Inc()
		rs.setState(component.StateError)
		return errors.Errorf("Could not get runset#%d first good time", rs.id)
	}

	rs.finishSetup(rd)
	rs.setState(component.StateRunning)
	rs.met.runsStarted.Inc()
	return nil
}

// startGroup starts one ordered group and waits for it to reach running.
// The elapsed wait is reported whether or not the group made it.
func (rs *RunSet) startGroup(ctx context.Context, rd *RunData, name string, comps []*component.Handle, runNum int) error {
	if len(comps) == 0 {
		return nil
	}
	group := rs.runner().StartRun(ctx, comps, runNum)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	group.ReportErrors(fmt.Sprintf("run#%d", runNum))

	begin := rs.clock.Now()
	bad := rs.waitForStates(ctx, comps, component.StateRunning, []component.State{component.StateRunning}, rs.cfg.StartTimeout)
	elapsed := rs.clock.Since(begin)
	level.Info(rd.Logger()).Log("msg", fmt.Sprintf("Waited %.3f seconds for %s", elapsed.Seconds(), name))
	rs.met.waitSeconds.WithLabelValues("start").Observe(elapsed.Seconds())

	if len(bad) > 0 {
		return errors.Errorf("Could not start runset#%d run#%d %s components: %s", rs.id, runNum, name, rs.badStateString(bad))
	}
	return nil
}

// finishSetup opens the books for a freshly started or switched run.
func (rs *RunSet) finishSetup(rd *RunData) {
	rd.ReportRunStart()
	tasks := NewTaskManager(rd, rs.comps, rs.cfg, rs.met, rs.runError, rd.Logger(), rs.clock)
	if err := tasks.StartAsync(context.Background()); err != nil {
		level.Error(rd.Logger()).Log("msg", "Cannot start run tasks", "err", err)
		return
	}
	rs.mtx.Lock()
	rs.tasks = tasks
	rs.mtx.Unlock()
}

// StopRun winds the run down: a graceful stop attempt with three quarters
// of the budget, a forced stop with the rest against whatever is left,
// then a single error naming anything that would not die. End-of-run
// accounting runs exactly once no matter how the wind-down went. A stop
// arriving while another is in flight is rejected, not queued.
func (rs *RunSet) StopRun(ctx context.Context, caller string, hadError bool) error {
	if !rs.stopMtx.TryLock() {
		rs.mtx.Lock()
		active := rs.stopCaller
		rs.mtx.Unlock()
		return errors.Errorf("Ignored %s stop_run() call, stop_run() from %s is active", caller, active)
	}
	defer rs.stopMtx.Unlock()

	rs.mtx.Lock()
	rs.stopCaller = caller
	rd := rs.runData
	rs.mtx.Unlock()
	defer func() {
		rs.mtx.Lock()
		rs.stopCaller = ""
		rs.mtx.Unlock()
	}()

	if rd == nil {
		return errors.Errorf("RunSet #%d is not running", rs.id)
	}
	if rd.Finished() {
		level.Info(rd.Logger()).Log("msg", "Not double-stopping")
		return nil
	}
	if caller != NormalStop {
		level.Error(rd.Logger()).Log("msg", fmt.Sprintf("Stopping the run (%s)", caller))
	}

	err := rs.stopComponents(ctx, rd, caller, hadError)
	if err != nil {
		level.Error(rd.Logger()).Log("msg", fmt.Sprintf("Could not stop run for %s (run#%d): %s", rs, rd.RunNumber(), err))
	}
	return err
}

func (rs *RunSet) stopComponents(ctx context.Context, rd *RunData, caller string, hadError bool) error {
	rs.stopTasks()

	// the closing bound poller runs while the components wind down and is
	// cut loose once they have
	poller := NewLastGoodTimeTask(rs.comps, rs.cfg, rd.ReportGoodTime, rd.Logger(), rs.clock)
	pollerUp := poller.StartAsync(context.Background()) == nil

	saver := &errSaver{logger: rd.Logger()}
	begin := rs.clock.Now()
	waitlist := rs.attemptToStop(ctx, rd, rs.comps, false, rs.cfg.StopTimeout*3/4, caller)
	if len(waitlist) > 0 {
		waitlist = rs.attemptToStop(ctx, rd, waitlist, true, rs.cfg.StopTimeout/4, caller)
	}
	rs.met.waitSeconds.WithLabelValues("stop").Observe(rs.clock.Since(begin).Seconds())

	if pollerUp {
		if err := services.StopAndAwaitTerminated(context.Background(), poller); err != nil {
			level.Error(rd.Logger()).Log("msg", "Cannot stop good time poller", "err", err)
		}
	}

	saver.save(rs.checkStoppedComponents(ctx, waitlist))

	hadError = rs.finishRun(ctx, rd, hadError || saver.err != nil, false)

	result := "success"
	if hadError || saver.err != nil {
		result = "error"
	}
	rs.met.runsEnded.WithLabelValues(result).Inc()
	if saver.err != nil {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpStopRun).Inc()
	}
	return saver.err
}

// attemptToStop issues one stop attempt against targets and polls their
// states for the given share of the budget. A component stays on the
// waitlist while it is still answering with the in-flight stop state,
// still running, or not answering at all; anything else has left the stop
// path and is dealt with by the later ready check. Returns whoever is
// still on the waitlist when the budget lapses.
func (rs *RunSet) attemptToStop(ctx context.Context, rd *RunData, targets []*component.Handle, forced bool, budget time.Duration, caller string) []*component.Handle {
	logger := rd.Logger()
	stopState := component.StateStopping
	op := compop.OpStopRun
	if forced {
		stopState = component.StateForcingStop
		op = compop.OpForcedStop
		plural := ""
		if len(targets) != 1 {
			plural = "s"
		}
		level.Error(logger).Log("msg", fmt.Sprintf("%s: Forcing %d component%s to stop: %s", rs, len(targets), plural, component.Names(targets)))
	}
	rs.setState(stopState)
	rs.issueStop(ctx, targets, forced, caller)

	waitlist := make([]*component.Handle, len(targets))
	copy(waitlist, targets)
	begin := rs.clock.Now()
	deadline := begin.Add(budget)
	lastLog := begin
	for len(waitlist) > 0 && rs.clock.Now().Before(deadline) && ctx.Err() == nil {
		group := rs.runner().GetState(ctx, waitlist)
		group.Wait(ctx, time.Second, 2)

		var next []*component.Handle
		for _, comp := range waitlist {
			res, ok := group.Result(comp.ID())
			state := component.StateUnknown
			if ok && res.OK() {
				state = res.Value
			}
			if !state.Live() || state == stopState || state == component.StateRunning {
				next = append(next, comp)
			}
		}
		changed := len(next) != len(waitlist)
		waitlist = next
		if len(waitlist) == 0 {
			break
		}
		if now := rs.clock.Now(); now.Sub(lastLog) >= 5*time.Second {
			lastLog = now
			level.Info(logger).Log("msg", fmt.Sprintf("%s: Waiting for %s %s", rs, op, component.Names(waitlist)))
		}
		if !changed {
			rs.sleep(ctx, time.Second)
		}
	}
	return waitlist
}

// issueStop delivers the stop call, sources all at once and the rest one
// at a time in ascending start order so downstream components drain in
// sequence.
func (rs *RunSet) issueStop(ctx context.Context, targets []*component.Handle, forced bool, caller string) {
	var sources, rest []*component.Handle
	for _, comp := range targets {
		if comp.IsSource() {
			sources = append(sources, comp)
		} else {
			rest = append(rest, comp)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if rest[i].Order() != rest[j].Order() {
			return rest[i].Order() < rest[j].Order()
		}
		return rest[i].ID() < rest[j].ID()
	})

	op := compop.OpStopRun
	if forced {
		op = compop.OpForcedStop
	}
	call := func(ctx context.Context, h *component.Handle) (component.State, error) {
		if forced {
			return h.Client().ForcedStop(ctx)
		}
		return h.Client().StopRun(ctx)
	}

	if len(sources) > 0 {
		group := compop.NewGroup[component.State](op, rs.logger, rs.clock)
		group.GoAll(ctx, sources, call)
		group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
		group.ReportErrors(caller)
	}
	if len(rest) > 0 {
		group := compop.NewGroup[component.State](op, rs.logger, rs.clock)
		for _, comp := range rest {
			group.Go(ctx, comp, call)
			group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
		}
		group.ReportErrors(caller)
	}
}

// checkStoppedComponents turns whatever survived both stop attempts into
// the single stop error, then verifies everyone else actually came to rest
// ready.
func (rs *RunSet) checkStoppedComponents(ctx context.Context, waitlist []*component.Handle) error {
	if len(waitlist) > 0 {
		msg := fmt.Sprintf("%s: Could not stop %s", rs, component.Names(waitlist))
		level.Error(rs.logger).Log("msg", msg)
		rs.setState(component.StateError)
		return errors.New(msg)
	}
	if bad := rs.checkState(ctx, component.StateReady); len(bad) > 0 {
		rs.setState(component.StateError)
		return errors.Errorf("%s: Could not stop %s", rs, rs.badStateString(bad))
	}
	return nil
}

// finishRun runs the end-of-run accounting exactly once per run: the final
// builder sweep and report, the last count deltas and the archival
// hand-off. Shared by the stop and switch paths.
func (rs *RunSet) finishRun(ctx context.Context, rd *RunData, hadError, switching bool) bool {
	if !rd.MarkFinished() {
		return hadError
	}
	_, hadError = rd.FinalReport(ctx, rs.comps, hadError, switching)
	rd.SendEventCounts()
	if err := rd.Archive(); err != nil {
		level.Error(rd.Logger()).Log("msg", fmt.Sprintf("Could not finish run for %s (run#%d): %s", rs, rd.RunNumber(), err))
		hadError = true
	}
	return hadError
}

// SwitchRun rolls the components onto a new run number without stopping
// data taking: builders and middle components one at a time, then sources
// together, then run-closing accounting for the old run and run-opening
// for the new. The first error wins; later ones are logged and suppressed
// so the old run's books always close.
func (rs *RunSet) SwitchRun(ctx context.Context, newNum int) error {
	rs.mtx.Lock()
	state := rs.state
	rd := rs.runData
	rs.mtx.Unlock()
	if rd == nil {
		return errors.Errorf("RunSet #%d is not running", rs.id)
	}
	if state != component.StateRunning {
		return errors.Errorf("RunSet #%d is %s, not running", rs.id, state)
	}
	if rd.RunNumber() == newNum {
		return errors.Errorf("RunSet #%d has already switched to run %d", rs.id, newNum)
	}

	newData := rd.Clone(newNum)
	level.Info(rd.Logger()).Log("msg", fmt.Sprintf("Switching to run %d...", newNum))

	rs.stopTasks()

	saver := &errSaver{logger: rd.Logger()}

	for _, comp := range append(append([]*component.Handle{}, rs.starts.builders...), rs.starts.middle...) {
		group := compop.NewGroup[component.State](compop.OpSwitchRun, rs.logger, rs.clock)
		group.Go(ctx, comp, func(ctx context.Context, h *component.Handle) (component.State, error) {
			return h.Client().SwitchToNewRun(ctx, newNum)
		})
		group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
		saver.save(group.Err())
	}
	srcGroup := rs.runner().SwitchRun(ctx, rs.starts.sources, newNum)
	srcGroup.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	srcGroup.ReportErrors(fmt.Sprintf("run#%d", newNum))
	saver.save(srcGroup.Err())

	begin := rs.clock.Now()
	waitlist := append([]*component.Handle{}, rs.starts.builders...)
	deadline := begin.Add(rs.cfg.SwitchTimeout)
	for iter := 0; len(waitlist) > 0 && rs.clock.Now().Before(deadline) && ctx.Err() == nil; iter++ {
		group := rs.runner().GetRunNumbers(ctx, waitlist)
		group.Wait(ctx, switchPollInterval, 1)
		var next []*component.Handle
		for _, comp := range waitlist {
			if res, ok := group.Result(comp.ID()); ok && res.OK() && res.Value == newNum {
				continue
			}
			next = append(next, comp)
		}
		waitlist = next
		if len(waitlist) == 0 {
			break
		}
		if iter%10 == 9 {
			level.Info(rd.Logger()).Log("msg", fmt.Sprintf("Waiting for builders to switch (after %.1f seconds): %s", rs.clock.Since(begin).Seconds(), component.Names(waitlist)))
		}
		rs.sleep(ctx, switchPollInterval)
	}
	rs.met.waitSeconds.WithLabelValues("switch").Observe(rs.clock.Since(begin).Seconds())

	if len(waitlist) > 0 {
		names := make([]string, 0, len(waitlist))
		for _, comp := range waitlist {
			names = append(names, comp.FullName())
		}
		saver.save(errors.Errorf("Still waiting for %s to finish switching", strings.Join(names, " ")))
		rs.setState(component.StateError)
	}

	// the new run takes over before the old one's books are closed
	rs.mtx.Lock()
	rs.runData = newData
	rs.mtx.Unlock()
	rs.finishSetup(newData)

	hadError := rs.finishRun(ctx, rd, saver.err != nil, true)
	result := "success"
	if hadError {
		result = "error"
	}
	rs.met.runsEnded.WithLabelValues(result).Inc()
	rs.met.runsStarted.Inc()

	rs.reportFirstGoodTime(ctx, newData)

	if saver.err != nil {
		rs.met.lifecycleErrors.WithLabelValues(compop.OpSwitchRun).Inc()
	}
	return saver.err
}

// reportFirstGoodTime pins the switched run's opening bound from the event
// builder, which keeps counting straight across the switch.
func (rs *RunSet) reportFirstGoodTime(ctx context.Context, rd *RunData) {
	for i := 0; i < 5; i++ {
		if first, ok := rd.FetchFirstEventTime(ctx, rs.comps); ok && first > 0 {
			rd.ReportGoodTime(FirstGoodTimeName, first)
			return
		}
		rs.sleep(ctx, 100*time.Millisecond)
	}
	level.Error(rd.Logger()).Log("msg", fmt.Sprintf("Couldn't find first good time for switched run %d", rd.RunNumber()))
}

// Reset broadcasts reset and waits for everyone to come back to idle.
// Components that never make it are returned as the must-power-cycle list
// rather than as an error; reset is usually already the recovery path.
func (rs *RunSet) Reset(ctx context.Context) []*component.Handle {
	rs.stopTasks()
	rs.setState(component.StateResetting)

	group := rs.runner().Reset(ctx, rs.comps)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	group.ReportErrors(compop.OpReset)

	begin := rs.clock.Now()
	bad := rs.waitForStates(ctx, rs.comps, component.StateIdle, []component.State{component.StateIdle}, rs.cfg.ResetTimeout)
	rs.met.waitSeconds.WithLabelValues("reset").Observe(rs.clock.Since(begin).Seconds())

	rs.mtx.Lock()
	rs.configured = false
	rs.runData = nil
	rs.mtx.Unlock()

	if len(bad) > 0 {
		rs.setState(component.StateError)
		cycle := make([]*component.Handle, 0, len(bad))
		for _, comp := range rs.comps {
			if _, ok := bad[comp.ID()]; ok {
				cycle = append(cycle, comp)
			}
		}
		return cycle
	}
	rs.setState(component.StateIdle)
	return nil
}

// ReleaseComponents empties the runset and hands its components back to
// the caller, usually for return to the idle pool. Their ordering keys are
// cleared; the next runset build restamps them.
func (rs *RunSet) ReleaseComponents() ([]*component.Handle, error) {
	switch st := rs.State(); st {
	case component.StateIdle, component.StateReady, component.StateConnected, component.StateError:
	default:
		return nil, errors.Errorf("RunSet #%d is still active (%s)", rs.id, st)
	}
	rs.mtx.Lock()
	comps := rs.comps
	rs.comps = nil
	rs.compByID = nil
	rs.mtx.Unlock()
	for _, comp := range comps {
		comp.SetOrder(0)
	}
	return comps, nil
}

// Destroy tears the runset down. It refuses while components are still
// attached.
func (rs *RunSet) Destroy() error {
	rs.mtx.Lock()
	n := len(rs.comps)
	rs.mtx.Unlock()
	if n > 0 {
		return errors.Errorf("RunSet #%d is not empty", rs.id)
	}
	rs.setState(component.StateDestroyed)
	return nil
}

// runError is handed to the watchdog: stop the run and flag it as errored.
func (rs *RunSet) runError(caller string) {
	if err := rs.StopRun(context.Background(), caller, true); err != nil {
		level.Warn(rs.logger).Log("msg", fmt.Sprintf("%s stop request failed", caller), "err", err)
	}
}

func (rs *RunSet) stopTasks() {
	rs.mtx.Lock()
	tasks := rs.tasks
	rs.tasks = nil
	rs.mtx.Unlock()
	if tasks == nil {
		return
	}
	if err := services.StopAndAwaitTerminated(context.Background(), tasks); err != nil {
		level.Error(rs.logger).Log("msg", "Cannot stop tasks", "err", err)
	}
}

// waitForStates polls the given components until every one reports an
// acceptable state. The ceiling is renewed whenever the waitlist shrinks,
// so a cluster making steady progress is never cut off; only a total stall
// trips it. Returns the stragglers and their last observed states.
func (rs *RunSet) waitForStates(ctx context.Context, comps []*component.Handle, display component.State, accept []component.State, timeout time.Duration) map[int]component.State {
	begin := rs.clock.Now()
	deadline := begin.Add(timeout)
	lastLog := begin

	waitlist := make([]*component.Handle, len(comps))
	copy(waitlist, comps)
	last := make(map[int]component.State, len(comps))

	for {
		group := rs.runner().GetState(ctx, waitlist)
		group.Wait(ctx, time.Second, 2)

		var next []*component.Handle
		for _, comp := range waitlist {
			res, ok := group.Result(comp.ID())
			state := component.StateHanging
			switch {
			case ok && res.OK():
				state = res.Value
			case ok && res.Err != nil:
				state = component.StateDead
			}
			last[comp.ID()] = state
			if !stateIn(state, accept) {
				next = append(next, comp)
			}
		}
		if len(next) < len(waitlist) {
			deadline = rs.clock.Now().Add(timeout)
		}
		waitlist = next
		if len(waitlist) == 0 {
			return nil
		}

		now := rs.clock.Now()
		if !now.Before(deadline) || ctx.Err() != nil {
			bad := make(map[int]component.State, len(waitlist))
			for _, comp := range waitlist {
				bad[comp.ID()] = last[comp.ID()]
			}
			return bad
		}
		if now.Sub(lastLog) >= 5*time.Second {
			lastLog = now
			secs := int(now.Sub(begin).Seconds())
			level.Info(rs.logger).Log("msg", fmt.Sprintf("Still waiting for %d components to switch to %s after %d seconds (%s)", len(waitlist), display, secs, component.Names(waitlist)))
		}
		rs.sleep(ctx, time.Second)
	}
}

// checkState samples every component once and reports those not in
// expected. When all match, the runset adopts expected as its own state.
func (rs *RunSet) checkState(ctx context.Context, expected component.State) map[int]component.State {
	group := rs.runner().GetState(ctx, rs.comps)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)

	bad := make(map[int]component.State)
	for _, comp := range rs.comps {
		res, ok := group.Result(comp.ID())
		switch {
		case !ok || res.Hung:
			bad[comp.ID()] = component.StateHanging
		case res.Err != nil:
			bad[comp.ID()] = component.StateDead
		case res.Value != expected:
			bad[comp.ID()] = res.Value
		}
	}
	if len(bad) > 0 {
		level.Error(rs.logger).Log("msg", fmt.Sprintf("Failed to transition to %s: %s", expected, rs.badStateString(bad)))
		return bad
	}
	rs.setState(expected)
	return nil
}

// badStateString formats components grouped by their offending state, e.g.
// "stopping[stringHub#1, stringHub#2], error[eventBuilder]".
func (rs *RunSet) badStateString(bad map[int]component.State) string {
	byState := make(map[component.State][]*component.Handle)
	for id, st := range bad {
		if comp, ok := rs.compByID[id]; ok {
			byState[st] = append(byState[st], comp)
		}
	}
	states := make([]component.State, 0, len(byState))
	for st := range byState {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].String() < states[j].String() })

	parts := make([]string, 0, len(states))
	for _, st := range states {
		comps := byState[st]
		sort.Slice(comps, func(i, j int) bool { return comps[i].ID() < comps[j].ID() })
		parts = append(parts, fmt.Sprintf("%s[%s]", st, component.Names(comps)))
	}
	return strings.Join(parts, ", ")
}

func stateIn(st component.State, accept []component.State) bool {
	for _, a := range accept {
		if st == a {
			return true
		}
	}
	return false
}

func (rs *RunSet) sleep(ctx context.Context, d time.Duration) {
	t := rs.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// errSaver keeps the first error of a multi-step sequence; later errors
// are logged and suppressed so cleanup always runs to the end.
type errSaver struct {
	logger log.Logger
	err    error
}

func (s *errSaver) save(err error) {
	if err == nil {
		return
	}
	if s.err == nil {
		s.err = err
		return
	}
	level.Error(s.logger).Log("msg", "Error suppressed by earlier failure", "err", err)
}
