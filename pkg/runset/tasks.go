package runset

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/compop"
)

// Task names, used in operator log lines and as the caller tag when the
// watchdog pulls the plug on a run.
const (
	rateTaskName       = "RateTask"
	monitoringTaskName = "MonitoringTask"
	watchdogTaskName   = "WatchdogTask"
)

// Task periods.
const (
	ratePeriod       = 60 * time.Second
	monitoringPeriod = 100 * time.Second
	watchdogPeriod   = 10 * time.Second
)

// Watchdog health meter. A failing check drains the meter by one; the run
// is stopped when it empties and the meter refills on the first healthy
// check.
const (
	healthMeterFull = 9
	numHealthMsgs   = 3
)

// task is one periodic duty of a live run.
type task interface {
	name() string
	period() time.Duration
	run(ctx context.Context) error
	close() error
}

// managedTask pairs a task with its next deadline. busy keeps a slow run
// from being re-entered by the next cycle; the overdue cycle is skipped,
// not queued. A disabled task never runs but still takes part in the wait
// computation, so switching it on and off does not change the loop shape.
type managedTask struct {
	task
	deadline time.Time
	disabled bool
	busy     atomic.Bool
}

// TaskManager drives the periodic run duties: the rate sweep, the
// monitoring count updates and the health watchdog. One manager exists per
// live run and is stopped before the stop sequence touches the components.
type TaskManager struct {
	services.Service

	cfg    Config
	logger log.Logger
	clock  quartz.Clock
	tasks  []*managedTask
}

// NewTaskManager builds the periodic duties for one run. onError is
// invoked, at most once, when the watchdog declares the run dead.
func NewTaskManager(rd *RunData, comps []*component.Handle, cfg Config, met *Metrics, onError func(caller string), logger log.Logger, clock quartz.Clock) *TaskManager {
	if clock == nil {
		clock = quartz.NewReal()
	}
	m := &TaskManager{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
	}
	for _, t := range []task{
		&rateTask{rd: rd, comps: comps, met: met, logger: logger},
		&monitoringTask{rd: rd},
		&watchdogTask{comps: comps, onError: onError, logger: logger, clock: clock, meter: healthMeterFull},
	} {
		mt := &managedTask{task: t, deadline: clock.Now().Add(t.period())}
		if t.name() == monitoringTaskName && !rd.Options().MoniEnabled() {
			mt.disabled = true
		}
		m.tasks = append(m.tasks, mt)
	}
	m.Service = services.NewBasicService(nil, m.running, m.stopping)
	return m
}

// stopping closes every task, keeping the first error.
func (m *TaskManager) stopping(_ error) error {
	var savedErr error
	for _, mt := range m.tasks {
		if err := mt.close(); err != nil {
			if savedErr == nil {
				savedErr = err
			} else {
				level.Error(m.logger).Log("msg", fmt.Sprintf("Cannot close %s", mt.name()), "err", err)
			}
		}
	}
	return savedErr
}

func (m *TaskManager) running(ctx context.Context) error {
	for {
		wait := m.checkTasks(ctx)
		timer := m.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// checkTasks runs every task whose deadline has passed and returns how long
// the loop may sleep before the next one is due, capped so a stop request
// is never left waiting long.
func (m *TaskManager) checkTasks(ctx context.Context) time.Duration {
	now := m.clock.Now()
	wait := m.cfg.TaskInterval
	for _, mt := range m.tasks {
		if left := mt.deadline.Sub(now); left > 0 {
			if left < wait {
				wait = left
			}
			continue
		}
		mt.deadline = now.Add(mt.period())
		if mt.period() < wait {
			wait = mt.period()
		}
		if mt.disabled {
			continue
		}
		if !mt.busy.CompareAndSwap(false, true) {
			continue
		}
		go func(mt *managedTask) {
			defer mt.busy.Store(false)
			if err := mt.run(ctx); err != nil {
				level.Error(m.logger).Log("msg", fmt.Sprintf("%s exception: %s", mt.name(), err))
			}
		}(mt)
	}
	return wait
}

// rateTask sweeps the builders for current counters, logs the run's vital
// signs and feeds the gauges.
type rateTask struct {
	rd     *RunData
	comps  []*component.Handle
	met    *Metrics
	logger log.Logger
}

func (t *rateTask) name() string          { return rateTaskName }
func (t *rateTask) period() time.Duration { return ratePeriod }
func (t *rateTask) close() error          { return nil }

func (t *rateTask) run(ctx context.Context) error {
	if !t.rd.UpdateCounts(ctx, t.comps) {
		return nil
	}
	counts := t.rd.EventCounts()
	rateStr := ""
	if counts.Rate > 0 {
		rateStr = fmt.Sprintf(" (%2.2f Hz)", counts.Rate)
	}
	level.Info(t.logger).Log("msg", fmt.Sprintf("\t%d physics events%s, %d moni events, %d SN events, %d tcals",
		counts.PhysicsEvents, rateStr, counts.MoniEvents, counts.SNEvents, counts.TcalEvents))
	if t.met != nil {
		t.met.physicsEvents.Set(float64(counts.PhysicsEvents))
		t.met.physicsRate.Set(counts.Rate)
	}
	return nil
}

// monitoringTask pushes per-stream count deltas to the monitoring stream.
type monitoringTask struct {
	rd *RunData
}

func (t *monitoringTask) name() string          { return monitoringTaskName }
func (t *monitoringTask) period() time.Duration { return monitoringPeriod }
func (t *monitoringTask) close() error          { return nil }

func (t *monitoringTask) run(context.Context) error {
	t.rd.SendEventCounts()
	return nil
}

// watchdogTask probes every component's state and stops the run when the
// cluster stays unhealthy long enough to drain the health meter.
type watchdogTask struct {
	comps   []*component.Handle
	onError func(caller string)
	logger  log.Logger
	clock   quartz.Clock

	meter   int
	stopped bool
}

func (t *watchdogTask) name() string          { return watchdogTaskName }
func (t *watchdogTask) period() time.Duration { return watchdogPeriod }
func (t *watchdogTask) close() error          { return nil }

func (t *watchdogTask) run(ctx context.Context) error {
	if t.stopped {
		return nil
	}

	runner := compop.Runner{Logger: t.logger, Clock: t.clock}
	group := runner.GetState(ctx, t.comps)
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)

	hanging := group.Hung()
	var unhealthy []*component.Handle
	for _, res := range group.Results() {
		if res.Hung {
			continue
		}
		if res.Err != nil || res.Value != component.StateRunning {
			unhealthy = append(unhealthy, res.Comp)
		}
	}
	sort.Slice(unhealthy, func(i, j int) bool { return unhealthy[i].ID() < unhealthy[j].ID() })

	if len(hanging) > 0 {
		level.Error(t.logger).Log("msg", fmt.Sprintf("%s reports hanging components: %s", watchdogTaskName, component.Names(hanging)))
	}
	if len(unhealthy) > 0 {
		level.Error(t.logger).Log("msg", fmt.Sprintf("%s reports unhealthy components: %s", watchdogTaskName, component.Names(unhealthy)))
	}

	if len(hanging) == 0 && len(unhealthy) == 0 {
		if t.meter < healthMeterFull {
			t.meter = healthMeterFull
			level.Info(t.logger).Log("msg", "Run is healthy again")
		}
		return nil
	}

	t.meter--
	if t.meter <= 0 {
		level.Error(t.logger).Log("msg", "Run is not healthy, stopping")
		t.stopped = true
		if t.onError != nil {
			go t.onError(watchdogTaskName)
		}
		return nil
	}
	if t.meter%(healthMeterFull/numHealthMsgs) == 0 {
		level.Error(t.logger).Log("msg", fmt.Sprintf("Run is unhealthy (%d checks left)", t.meter))
	}
	return nil
}
