package runset

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/component/comptest"
	"github.com/daqkit/daqctl/pkg/compop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type monitorEvent struct {
	name  string
	value any
}

// recordingMonitor keeps every monitoring event for later inspection.
type recordingMonitor struct {
	mtx    sync.Mutex
	events []monitorEvent
}

func (m *recordingMonitor) Send(name string, v any) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.events = append(m.events, monitorEvent{name: name, value: v})
	return nil
}

func (m *recordingMonitor) named(name string) []any {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var out []any
	for _, ev := range m.events {
		if ev.name == name {
			out = append(out, ev.value)
		}
	}
	return out
}

type recordingJournal struct {
	mtx  sync.Mutex
	sums []Summary
}

func (j *recordingJournal) Record(sum Summary) error {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	j.sums = append(j.sums, sum)
	return nil
}

func (j *recordingJournal) last() (Summary, bool) {
	j.mtx.Lock()
	defer j.mtx.Unlock()
	if len(j.sums) == 0 {
		return Summary{}, false
	}
	return j.sums[len(j.sums)-1], true
}

type recordingArchiver struct {
	mtx  sync.Mutex
	sums []Summary
}

func (a *recordingArchiver) Archive(sum Summary) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.sums = append(a.sums, sum)
	return nil
}

func (a *recordingArchiver) count() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.sums)
}

// testCluster is the standard five-role detector: two hubs, the in-ice and
// global triggers, the event builder with its readout-request loop back to
// the hubs, and the hub-fed secondary builders.
type testCluster struct {
	hub1, hub2, trigger, gtrig, eb, sb *comptest.Fake

	comps   []*component.Handle
	monitor *recordingMonitor
	journal *recordingJournal
	archive *recordingArchiver
}

func hubConnectors(num int) []component.Connector {
	return []component.Connector{
		{Type: "stringHit", Kind: component.Output},
		{Type: "rdoutData", Kind: component.Output},
		{Type: "moniData", Kind: component.Output},
		{Type: "rdoutReq", Kind: component.Input, Port: 9000 + num},
	}
}

func newTestCluster(t *testing.T) *testCluster {
	c := &testCluster{
		hub1: comptest.New("stringHub", 1, hubConnectors(1)...),
		hub2: comptest.New("stringHub", 2, hubConnectors(2)...),
		trigger: comptest.New("inIceTrigger", 0,
			component.Connector{Type: "stringHit", Kind: component.Input, Port: 9101},
			component.Connector{Type: "trigger", Kind: component.Output}),
		gtrig: comptest.New("globalTrigger", 0,
			component.Connector{Type: "trigger", Kind: component.Input, Port: 9201},
			component.Connector{Type: "glblTrig", Kind: component.Output}),
		eb: comptest.New("eventBuilder", 0,
			component.Connector{Type: "glblTrig", Kind: component.Input, Port: 9301},
			component.Connector{Type: "rdoutData", Kind: component.Input, Port: 9302},
			component.Connector{Type: "rdoutReq", Kind: component.Output}),
		sb: comptest.New("secondaryBuilders", 0,
			component.Connector{Type: "moniData", Kind: component.Input, Port: 9401}),
		monitor: &recordingMonitor{},
		journal: &recordingJournal{},
		archive: &recordingArchiver{},
	}
	c.comps = []*component.Handle{
		c.hub1.Handle(1), c.hub2.Handle(2), c.trigger.Handle(3),
		c.gtrig.Handle(4), c.eb.Handle(5), c.sb.Handle(6),
	}
	t.Cleanup(func() {
		for _, f := range c.fakes() {
			f.Close()
		}
	})
	return c
}

func (c *testCluster) fakes() []*comptest.Fake {
	return []*comptest.Fake{c.hub1, c.hub2, c.trigger, c.gtrig, c.eb, c.sb}
}

func (c *testCluster) sinks() Sinks {
	return Sinks{Monitor: c.monitor, Archiver: c.archive, Journal: c.journal}
}

// handle finds a member handle by name; the slice order changes once a
// runset sorts it.
func (c *testCluster) handle(name string, num int) *component.Handle {
	for _, h := range c.comps {
		if h.Matches(name, num) {
			return h
		}
	}
	return nil
}

// scriptGoodTimes gives the hubs live channels and boundary hit times so
// the consensus pollers converge: earliest first hit 12s, latest last hit
// 99s.
func (c *testCluster) scriptGoodTimes() {
	c.hub1.SetBeanField(hubBean, nonZombieField, int64(60))
	c.hub1.SetBeanField(hubBean, firstHitField, 15*ticksPerSecond)
	c.hub1.SetBeanField(hubBean, lastHitField, 95*ticksPerSecond)
	c.hub2.SetBeanField(hubBean, nonZombieField, int64(58))
	c.hub2.SetBeanField(hubBean, firstHitField, 12*ticksPerSecond)
	c.hub2.SetBeanField(hubBean, lastHitField, 99*ticksPerSecond)
}

// scriptRunCounts fills the builder beans swept by the accounting: 250
// physics events over [10s, 110s], 33 moni, 22 SN and 11 tcal records.
func (c *testCluster) scriptRunCounts(run int) {
	c.eb.SetBeanField(backEndBean, runSummaryField,
		[]int64{250, 10 * ticksPerSecond, 110 * ticksPerSecond, 12 * ticksPerSecond, 99 * ticksPerSecond})
	c.eb.SetBeanField(backEndBean, firstEventField, 10*ticksPerSecond)
	c.eb.SetBeanField(backEndBean, eventDataField, []int64{int64(run), 250, 50 * ticksPerSecond})
	c.sb.SetBeanField(secondaryBean, runSummaryField, []int64{11, 0, 22, 0, 33, 0})
	c.sb.SetBeanField(moniBuilderBean, eventDataField, []int64{int64(run), 33, 40 * ticksPerSecond})
	c.sb.SetBeanField(snBuilderBean, eventDataField, []int64{int64(run), 22, 41 * ticksPerSecond})
	c.sb.SetBeanField(tcalBuilderBean, eventDataField, []int64{int64(run), 11, 42 * ticksPerSecond})
}

func testConfig() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	return cfg
}

func newTestRunSet(t *testing.T, c *testCluster, cfg Config, clock quartz.Clock, logger log.Logger) (*RunSet, *Metrics) {
	met := NewMetrics(prometheus.NewPedanticRegistry())
	rs, err := New(1, c.comps, "sps-IC86-2026-V301", cfg, met, c.sinks(), logger, clock)
	require.NoError(t, err)
	t.Cleanup(rs.stopTasks)
	return rs, met
}

// pumpUntil advances the mock clock in small steps until the operation
// running in the background reports done, so its internal waits lapse
// without wall time passing.
func pumpUntil(t *testing.T, clock *quartz.Mock, done <-chan error) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		select {
		case err := <-done:
			return err
		default:
		}
		clock.Advance(250 * time.Millisecond).MustWait(ctx)
		time.Sleep(time.Millisecond)
	}
}

func TestRunSetLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(100)

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, testConfig(), clock, logger)

	require.Equal(t, "RunSet #1", rs.String())
	require.Equal(t, "sps-IC86-2026-V301", rs.ConfigName())
	require.Equal(t, component.StateIdle, rs.State())
	require.Equal(t, "eventBuilder, globalTrigger, inIceTrigger, secondaryBuilders, stringHub#1, stringHub#2",
		component.Names(rs.Components()))

	// Connect and verify the hubs learned their inbound endpoints.
	require.NoError(t, rs.Connect(ctx))
	require.Equal(t, component.StateConnected, rs.State())
	require.Equal(t, []component.Connection{
		{Type: "moniData", Name: "secondaryBuilders", Num: 0, Host: "localhost", Port: 9401},
		{Type: "rdoutData", Name: "eventBuilder", Num: 0, Host: "localhost", Port: 9302},
		{Type: "stringHit", Name: "inIceTrigger", Num: 0, Host: "localhost", Port: 9101},
	}, c.hub1.Connections())

	require.NoError(t, rs.Configure(ctx))
	require.Equal(t, component.StateReady, rs.State())
	require.Contains(t, c.eb.Calls(), "configure")

	// Start; the run is only declared started once the hubs agreed on an
	// opening bound.
	require.NoError(t, rs.StartRun(ctx, 100, "test-cluster", LogToFile|MoniToFile))
	require.Equal(t, component.StateRunning, rs.State())
	require.Equal(t, 100, rs.RunNumber())

	rd := rs.RunData()
	require.NotNil(t, rd)
	first, _ := rd.GoodTimes()
	require.Equal(t, 12*ticksPerSecond, first)
	require.Equal(t, 12*ticksPerSecond, c.eb.FirstGoodTime())
	require.Equal(t, 12*ticksPerSecond, c.sb.FirstGoodTime())
	require.Equal(t, 12*ticksPerSecond, c.gtrig.FirstGoodTime())
	require.Zero(t, c.trigger.FirstGoodTime())

	require.Len(t, c.monitor.named("runstart"), 1)
	require.Contains(t, buf.String(), "Starting run #100 on")
	require.Contains(t, buf.String(), "seconds for NonHubs")
	require.Contains(t, buf.String(), "seconds for Hubs")
	require.Equal(t, 1.0, testutil.ToFloat64(met.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(met.stateTransitions.WithLabelValues("running")))

	// Stop; the books close exactly once and the builder totals land in
	// the summary.
	require.NoError(t, rs.StopRun(ctx, NormalStop, false))
	require.Equal(t, component.StateReady, rs.State())
	require.True(t, rd.Finished())

	first, last := rd.GoodTimes()
	require.Equal(t, 12*ticksPerSecond, first)
	require.Equal(t, 99*ticksPerSecond, last)

	sum, ok := c.journal.last()
	require.True(t, ok)
	require.Equal(t, 100, sum.RunNumber)
	require.Equal(t, int64(250), sum.NumPhysics)
	require.Equal(t, int64(33), sum.NumMoni)
	require.Equal(t, int64(22), sum.NumSN)
	require.Equal(t, int64(11), sum.NumTcal)
	require.Equal(t, int64(100), sum.DurationSecs)
	require.Equal(t, 10*ticksPerSecond, sum.FirstPayTime)
	require.False(t, sum.HadError)

	stops := c.monitor.named("runstop")
	require.Len(t, stops, 1)
	require.Equal(t, runStopEvent{
		RunNumber: 100,
		RunStart:  12 * ticksPerSecond,
		RunStop:   99 * ticksPerSecond,
		Events:    250,
		Status:    "SUCCESS",
	}, stops[0])

	require.Equal(t, 1, c.archive.count())
	require.Contains(t, buf.String(), "250 physics events collected in 100 seconds (2.50 Hz)")
	require.Contains(t, buf.String(), "33 moni events, 22 SN events, 11 tcals")
	require.Contains(t, buf.String(), "Run terminated SUCCESSFULLY.")
	require.Equal(t, 1.0, testutil.ToFloat64(met.runsEnded.WithLabelValues("success")))

	// A second stop is refused without rerunning the accounting.
	require.NoError(t, rs.StopRun(ctx, NormalStop, false))
	require.Contains(t, buf.String(), "Not double-stopping")
	require.Equal(t, 1, c.archive.count())

	// Reset returns everyone to idle and clears the run.
	require.Empty(t, rs.Reset(ctx))
	require.Equal(t, component.StateIdle, rs.State())
	require.Nil(t, rs.RunData())
	require.Zero(t, rs.RunNumber())
	require.Equal(t, 4, testutil.CollectAndCount(met.waitSeconds))

	// Release hands the components back with cleared ordering keys.
	comps, err := rs.ReleaseComponents()
	require.NoError(t, err)
	require.Len(t, comps, 6)
	for _, comp := range comps {
		require.Zero(t, comp.Order())
	}
	require.NoError(t, rs.Destroy())
	require.Equal(t, component.StateDestroyed, rs.State())
}

func TestStartRunGuards(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newTestCluster(t)
	rs, _ := newTestRunSet(t, c, testConfig(), quartz.NewMock(t), log.NewNopLogger())

	err := rs.StartRun(ctx, 100, "test-cluster", LogToFile)
	require.EqualError(t, err, "RunSet #1 is not configured")

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))

	rs.setState(component.StateConnecting)
	err = rs.StartRun(ctx, 100, "test-cluster", LogToFile)
	require.EqualError(t, err, `Cannot start runset from state "connecting"`)
}

func TestStartRunComponentStalls(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	// The event builder accepts the start call but never leaves ready.
	c.eb.StickOn("startRun")

	cfg := testConfig()
	cfg.StartTimeout = 2 * time.Second
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, cfg, clock, log.NewNopLogger())

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))

	done := make(chan error, 1)
	go func() {
		done <- rs.StartRun(ctx, 5, "test-cluster", LogToFile)
	}()
	err := pumpUntil(t, clock, done)
	require.EqualError(t, err, "Could not start runset#1 run#5 NonHubs components: ready[eventBuilder]")
	require.Equal(t, component.StateError, rs.State())

	// The hubs must not have been started while the downstream chain was
	// incomplete.
	require.NotContains(t, c.hub1.Calls(), "startRun")
	require.NotContains(t, c.hub2.Calls(), "startRun")
	require.Equal(t, 1.0, testutil.ToFloat64(met.lifecycleErrors.WithLabelValues(compop.OpStartRun)))
	require.Zero(t, testutil.ToFloat64(met.runsStarted))
}

func TestStartRunNoGoodTime(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newTestCluster(t)
	// No hub bean fields scripted: every good-time read fails.
	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	rs, met := newTestRunSet(t, c, testConfig(), quartz.NewMock(t), logger)

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))

	err := rs.StartRun(ctx, 7, "test-cluster", LogToFile)
	require.EqualError(t, err, "Could not get runset#1 first good time")
	require.Equal(t, component.StateError, rs.State())
	require.Contains(t, c.hub1.Calls(), "startRun")
	require.Contains(t, buf.String(), "firstGoodTime for stringHub#1, stringHub#2")
	require.Equal(t, 1.0, testutil.ToFloat64(met.lifecycleErrors.WithLabelValues(compop.OpStartRun)))
}

func TestStopRunNotRunning(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newTestCluster(t)
	rs, _ := newTestRunSet(t, c, testConfig(), quartz.NewMock(t), log.NewNopLogger())

	err := rs.StopRun(ctx, NormalStop, false)
	require.EqualError(t, err, "RunSet #1 is not running")
}

func TestStopRunForcesStragglers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(200)
	// hub1 swallows the graceful stop and keeps running until forced.
	c.hub1.StickOn("stopRun")

	cfg := testConfig()
	cfg.StopTimeout = 4 * time.Second

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, cfg, clock, logger)

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))
	require.NoError(t, rs.StartRun(ctx, 200, "test-cluster", LogToFile))

	done := make(chan error, 1)
	go func() {
		done <- rs.StopRun(ctx, NormalStop, false)
	}()
	require.NoError(t, pumpUntil(t, clock, done))

	require.Equal(t, component.StateReady, rs.State())
	require.Contains(t, buf.String(), "Forcing 1 component to stop: stringHub#1")
	require.Contains(t, c.hub1.Calls(), "forcedStop")
	require.NotContains(t, c.hub2.Calls(), "forcedStop")
	require.True(t, rs.RunData().Finished())
	require.Equal(t, 1.0, testutil.ToFloat64(met.runsEnded.WithLabelValues("success")))
}

func TestStopRunUnkillableComponent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(201)
	c.hub1.StickOn("stopRun")
	c.hub1.StickOn("forcedStop")

	cfg := testConfig()
	cfg.StopTimeout = 8 * time.Second

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, cfg, clock, logger)

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))
	require.NoError(t, rs.StartRun(ctx, 201, "test-cluster", LogToFile))
	rd := rs.RunData()

	done := make(chan error, 1)
	go func() {
		done <- rs.StopRun(ctx, "WatchdogTask", true)
	}()
	err := pumpUntil(t, clock, done)
	require.EqualError(t, err, "RunSet #1: Could not stop stringHub#1")
	require.Equal(t, component.StateError, rs.State())

	// An abnormal caller is called out, the stall is logged on the way,
	// and the books still close with the run marked failed.
	require.Contains(t, buf.String(), "Stopping the run (WatchdogTask)")
	require.Contains(t, buf.String(), "Waiting for stopRun stringHub#1")
	require.Contains(t, buf.String(), "Could not stop run for RunSet #1 (run#201)")
	require.True(t, rd.Finished())

	stops := c.monitor.named("runstop")
	require.Len(t, stops, 1)
	require.Equal(t, "FAIL", stops[0].(runStopEvent).Status)
	require.Equal(t, 1.0, testutil.ToFloat64(met.runsEnded.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(met.lifecycleErrors.WithLabelValues(compop.OpStopRun)))
}

func TestStopRunRejectsConcurrentStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(202)
	c.hub1.HangOn("stopRun")

	clock := quartz.NewMock(t)
	rs, _ := newTestRunSet(t, c, testConfig(), clock, log.NewNopLogger())

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))
	require.NoError(t, rs.StartRun(ctx, 202, "test-cluster", LogToFile))

	done := make(chan error, 1)
	go func() {
		done <- rs.StopRun(ctx, NormalStop, false)
	}()
	require.Eventually(t, func() bool {
		rs.mtx.Lock()
		defer rs.mtx.Unlock()
		return rs.stopCaller == NormalStop
	}, 5*time.Second, 5*time.Millisecond)

	err := rs.StopRun(ctx, "WatchdogTask", true)
	require.EqualError(t, err, "Ignored WatchdogTask stop_run() call, stop_run() from NormalStop is active")

	c.hub1.Release()
	require.NoError(t, pumpUntil(t, clock, done))
	require.Equal(t, component.StateReady, rs.State())
}

func TestSwitchRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(300)

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, testConfig(), clock, logger)

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))
	require.NoError(t, rs.StartRun(ctx, 300, "test-cluster", LogToFile))
	oldData := rs.RunData()

	require.NoError(t, rs.SwitchRun(ctx, 301))
	require.Equal(t, component.StateRunning, rs.State())
	require.Equal(t, 301, rs.RunNumber())

	// The old run's books are closed and the new run is announced.
	require.True(t, oldData.Finished())
	require.False(t, rs.RunData().Finished())
	require.Contains(t, buf.String(), "Switching to run 301...")
	require.Contains(t, buf.String(), "Run switched SUCCESSFULLY.")
	require.Len(t, c.monitor.named("runstart"), 2)
	require.Len(t, c.monitor.named("runstop"), 1)

	// The switched run's opening bound comes from the event builder.
	first, _ := rs.RunData().GoodTimes()
	require.Equal(t, 10*ticksPerSecond, first)

	require.Equal(t, 2.0, testutil.ToFloat64(met.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(met.runsEnded.WithLabelValues("success")))

	// Switching to the number already taken is refused.
	err := rs.SwitchRun(ctx, 301)
	require.EqualError(t, err, "RunSet #1 has already switched to run 301")

	require.NoError(t, rs.StopRun(ctx, NormalStop, false))
}

func TestSwitchRunGuards(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := newTestCluster(t)
	rs, _ := newTestRunSet(t, c, testConfig(), quartz.NewMock(t), log.NewNopLogger())

	err := rs.SwitchRun(ctx, 301)
	require.EqualError(t, err, "RunSet #1 is not running")
}

func TestSwitchRunBuilderLags(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(400)
	// The event builder accepts the switch but keeps reporting the old
	// run number.
	c.eb.StickOn("switchToNewRun")

	cfg := testConfig()
	cfg.SwitchTimeout = 6 * time.Second

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, cfg, clock, logger)

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))
	require.NoError(t, rs.StartRun(ctx, 400, "test-cluster", LogToFile))
	oldData := rs.RunData()

	done := make(chan error, 1)
	go func() {
		done <- rs.SwitchRun(ctx, 401)
	}()
	err := pumpUntil(t, clock, done)
	require.EqualError(t, err, "Still waiting for eventBuilder to finish switching")
	require.Equal(t, component.StateError, rs.State())

	require.Contains(t, buf.String(), "Waiting for builders to switch (after")
	require.Contains(t, buf.String(), "Run switched WITH ERROR.")

	// The new run still took over so data keeps flowing while operators
	// sort the builder out.
	require.Equal(t, 401, rs.RunNumber())
	require.True(t, oldData.Finished())
	require.Equal(t, 1.0, testutil.ToFloat64(met.runsEnded.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(met.lifecycleErrors.WithLabelValues(compop.OpSwitchRun)))
}

func TestResetReturnsPowerCycleList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	// hub2 acknowledges the reset but never returns to idle.
	c.hub2.StickOn("reset")

	cfg := testConfig()
	cfg.ResetTimeout = 2 * time.Second
	clock := quartz.NewMock(t)
	rs, _ := newTestRunSet(t, c, cfg, clock, log.NewNopLogger())

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))

	var cycle []*component.Handle
	done := make(chan error, 1)
	go func() {
		cycle = rs.Reset(ctx)
		done <- nil
	}()
	require.NoError(t, pumpUntil(t, clock, done))

	require.Len(t, cycle, 1)
	require.Equal(t, "stringHub#2", cycle[0].FullName())
	require.Equal(t, component.StateError, rs.State())

	// The configuration is gone either way.
	err := rs.StartRun(ctx, 100, "test-cluster", LogToFile)
	require.EqualError(t, err, "RunSet #1 is not configured")
}

func TestConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.eb.FailOn("connect", errors.New("connection refused"))

	cfg := testConfig()
	cfg.StateTimeout = 2 * time.Second
	clock := quartz.NewMock(t)
	rs, met := newTestRunSet(t, c, cfg, clock, log.NewNopLogger())

	done := make(chan error, 1)
	go func() {
		done <- rs.Connect(ctx)
	}()
	err := pumpUntil(t, clock, done)
	require.EqualError(t, err, "Could not connect runset#1 components: idle[eventBuilder]")
	require.Equal(t, component.StateError, rs.State())
	require.Equal(t, 1.0, testutil.ToFloat64(met.lifecycleErrors.WithLabelValues(compop.OpConnect)))
}

func TestConfigureSecondPhaseStall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)

	cfg := testConfig()
	cfg.ConfigureTimeout = 2 * time.Second
	clock := quartz.NewMock(t)
	rs, _ := newTestRunSet(t, c, cfg, clock, log.NewNopLogger())

	require.NoError(t, rs.Connect(ctx))

	// The event builder acknowledges the configure and then sits in
	// configuring forever: the first wait phase accepts that, the second
	// must not.
	c.eb.SetState(component.StateConfiguring)
	c.eb.StickOn("configure")

	done := make(chan error, 1)
	go func() {
		done <- rs.Configure(ctx)
	}()
	err := pumpUntil(t, clock, done)
	require.EqualError(t, err, "Could not configure runset#1 components: configuring[eventBuilder]")
	require.Equal(t, component.StateError, rs.State())
}

func TestWaitForStatesRenewsDeadlineOnProgress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	clock := quartz.NewMock(t)
	rs, _ := newTestRunSet(t, c, testConfig(), clock, log.NewNopLogger())

	h1 := c.handle("stringHub", 1)
	h2 := c.handle("stringHub", 2)
	require.NotNil(t, h1)
	require.NotNil(t, h2)

	// hub2 only turns ready after the base 2s ceiling; the progress made
	// by hub1 at 1.5s must renew it.
	clock.AfterFunc(1500*time.Millisecond, func() { c.hub1.SetState(component.StateReady) })
	clock.AfterFunc(2500*time.Millisecond, func() { c.hub2.SetState(component.StateReady) })

	var bad map[int]component.State
	done := make(chan error, 1)
	go func() {
		bad = rs.waitForStates(ctx, []*component.Handle{h1, h2}, component.StateReady,
			[]component.State{component.StateReady}, 2*time.Second)
		done <- nil
	}()
	require.NoError(t, pumpUntil(t, clock, done))
	require.Empty(t, bad)
}

func TestWaitForStatesReportsStragglers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	clock := quartz.NewMock(t)
	rs, _ := newTestRunSet(t, c, testConfig(), clock, logger)

	h1 := c.handle("stringHub", 1)
	h2 := c.handle("stringHub", 2)

	var bad map[int]component.State
	done := make(chan error, 1)
	go func() {
		bad = rs.waitForStates(ctx, []*component.Handle{h1, h2}, component.StateReady,
			[]component.State{component.StateReady}, 7*time.Second)
		done <- nil
	}()
	require.NoError(t, pumpUntil(t, clock, done))

	require.Equal(t, map[int]component.State{
		h1.ID(): component.StateIdle,
		h2.ID(): component.StateIdle,
	}, bad)
	require.Contains(t, buf.String(),
		"Still waiting for 2 components to switch to ready after 5 seconds (stringHub#1, stringHub#2)")
}

func TestReleaseComponentsWhileActive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.scriptRunCounts(500)
	clock := quartz.NewMock(t)
	rs, _ := newTestRunSet(t, c, testConfig(), clock, log.NewNopLogger())

	require.NoError(t, rs.Connect(ctx))
	require.NoError(t, rs.Configure(ctx))
	require.NoError(t, rs.StartRun(ctx, 500, "test-cluster", LogToFile))

	_, err := rs.ReleaseComponents()
	require.EqualError(t, err, "RunSet #1 is still active (running)")
	require.EqualError(t, rs.Destroy(), "RunSet #1 is not empty")

	require.NoError(t, rs.StopRun(ctx, NormalStop, false))
	comps, err := rs.ReleaseComponents()
	require.NoError(t, err)
	require.Len(t, comps, 6)
	require.NoError(t, rs.Destroy())
}

func TestBadStateString(t *testing.T) {
	c := newTestCluster(t)
	rs, _ := newTestRunSet(t, c, testConfig(), quartz.NewMock(t), log.NewNopLogger())

	bad := map[int]component.State{
		c.handle("eventBuilder", 0).ID(): component.StateError,
		c.handle("stringHub", 1).ID():    component.StateStopping,
		c.handle("stringHub", 2).ID():    component.StateStopping,
	}
	require.Equal(t, "error[eventBuilder], stopping[stringHub#1, stringHub#2]", rs.badStateString(bad))
}
