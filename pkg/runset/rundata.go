package runset

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/compop"
)

// Detector timestamps are 0.1ns ticks.
const ticksPerSecond = int64(10000000000)

const (
	// rateInterval is the sliding window for the physics rate, in ticks.
	rateInterval = 300 * ticksPerSecond

	// maxRateEntries caps the rate window memory.
	maxRateEntries = 1000
)

// Component names with fixed roles in the accounting and consensus paths.
const (
	EventBuilderName      = "eventBuilder"
	SecondaryBuildersName = "secondaryBuilders"
	GlobalTriggerName     = "globalTrigger"
)

// Monitoring beans and fields read from the builders.
const (
	backEndBean     = "backEnd"
	secondaryBean   = "secondaryBuilders"
	eventDataField  = "EventData"
	runSummaryField = "RunData"
	firstEventField = "FirstEventTime"
	moniBuilderBean = "moniBuilder"
	snBuilderBean   = "snBuilder"
	tcalBuilderBean = "tcalBuilder"
)

// Monitor receives named structured monitoring events for a run.
type Monitor interface {
	Send(name string, value any) error
}

// Archiver receives the finished run for archival hand-off.
type Archiver interface {
	Archive(sum Summary) error
}

// Journal persists the end-of-run summary.
type Journal interface {
	Record(sum Summary) error
}

// NopMonitor discards every event.
type NopMonitor struct{}

func (NopMonitor) Send(string, any) error { return nil }

// NopArchiver discards the archival hand-off.
type NopArchiver struct{}

func (NopArchiver) Archive(Summary) error { return nil }

// NopJournal discards the run summary.
type NopJournal struct{}

func (NopJournal) Record(Summary) error { return nil }

// Sinks collects the reporting destinations for one run.
type Sinks struct {
	Monitor  Monitor
	Archiver Archiver
	Journal  Journal
}

// orNop fills unset destinations so callers never check for nil.
func (s Sinks) orNop() Sinks {
	if s.Monitor == nil {
		s.Monitor = NopMonitor{}
	}
	if s.Archiver == nil {
		s.Archiver = NopArchiver{}
	}
	if s.Journal == nil {
		s.Journal = NopJournal{}
	}
	return s
}

// Summary is the end-of-run record handed to the Archiver and Journal.
type Summary struct {
	RunNumber   int    `json:"runNumber"`
	ConfigName  string `json:"configName"`
	ClusterDesc string `json:"clusterDesc"`

	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	NumPhysics int64 `json:"numPhysics"`
	NumMoni    int64 `json:"numMoni"`
	NumSN      int64 `json:"numSN"`
	NumTcal    int64 `json:"numTcal"`

	FirstPayTime  int64 `json:"firstPayTime"`
	LastPayTime   int64 `json:"lastPayTime"`
	FirstGoodTime int64 `json:"firstGoodTime"`
	LastGoodTime  int64 `json:"lastGoodTime"`

	DurationSecs int64 `json:"durationSecs"`
	HadError     bool  `json:"hadError"`
}

// Monitoring event payloads, keyed the way the downstream consumers expect.
type runStartEvent struct {
	RunNumber int  `json:"runnum"`
	Started   bool `json:"started"`
}

type runStopEvent struct {
	RunNumber int    `json:"runnum"`
	RunStart  int64  `json:"runstart"`
	RunStop   int64  `json:"runstop"`
	Events    int64  `json:"events"`
	Status    string `json:"status"`
}

type goodTimeEvent struct {
	RunNumber int   `json:"runnum"`
	Time      int64 `json:"time"`
}

type countUpdateEvent struct {
	StartTime int64  `json:"start_time"`
	StopTime  int64  `json:"stop_time"`
	Count     int64  `json:"count"`
	Stream    string `json:"stream"`
	RunNumber int    `json:"run_number"`
}

// rateEntry is one (payload time, cumulative count) sample in the rate
// window.
type rateEntry struct {
	ticks int64
	count int64
}

// streamRecord remembers the last reported (count, ticks) pair for one
// stream so repeated monitoring updates carry deltas, not totals.
type streamRecord struct {
	count int64
	ticks int64
}

// EventCounts is the monitoring snapshot of the run's stream counters.
type EventCounts struct {
	PhysicsEvents     int64   `json:"physicsEvents"`
	EventPayloadTicks int64   `json:"eventPayloadTicks,omitempty"`
	MoniEvents        int64   `json:"moniEvents"`
	MoniTime          int64   `json:"moniTime,omitempty"`
	SNEvents          int64   `json:"snEvents"`
	SNTime            int64   `json:"snTime,omitempty"`
	TcalEvents        int64   `json:"tcalEvents"`
	TcalTime          int64   `json:"tcalTime,omitempty"`
	Rate              float64 `json:"rate"`
}

// streamTotals is one builder sweep's worth of counters.
type streamTotals struct {
	run           int
	physics       int64
	physicsTicks  int64
	moni          int64
	moniTicks     int64
	sn            int64
	snTicks       int64
	tcal          int64
	tcalTicks     int64
	haveSecondary bool
}

// RunData is the per-run accounting record: stream counters, the physics
// rate window, good-time bounds, and the exactly-once end-of-run reporting
// guard. One RunData exists per run number; a switch clones a fresh one.
type RunData struct {
	base   log.Logger
	logger log.Logger
	sinks  Sinks

	// Used for tests.
	clock quartz.Clock

	runNumber   int
	configName  string
	clusterDesc string
	options     RunOption
	startTime   time.Time

	finished atomic.Bool

	mtx          sync.Mutex
	numEvts      int64
	evtPayTime   int64
	numMoni      int64
	moniTicks    int64
	numSN        int64
	snTicks      int64
	numTcal      int64
	tcalTicks    int64
	firstPayTime int64
	firstGood    int64
	lastGood     int64
	entries      []rateEntry
	streams      map[string]*streamRecord
}

// NewRunData opens the accounting record for one run and announces the run
// configuration to the operator log.
func NewRunData(runNum int, configName, clusterDesc string, options RunOption, sinks Sinks, logger log.Logger, clock quartz.Clock) *RunData {
	if clock == nil {
		clock = quartz.NewReal()
	}
	rd := &RunData{
		base:        logger,
		logger:      log.With(logger, "run", runNum),
		sinks:       sinks.orNop(),
		clock:       clock,
		runNumber:   runNum,
		configName:  configName,
		clusterDesc: clusterDesc,
		options:     options,
		startTime:   clock.Now(),
		streams:     make(map[string]*streamRecord),
	}
	level.Info(rd.logger).Log("msg", fmt.Sprintf("Run configuration: %s", configName))
	level.Info(rd.logger).Log("msg", fmt.Sprintf("Cluster: %s", clusterDesc))
	return rd
}

// Clone opens the accounting record for the run replacing this one.
func (rd *RunData) Clone(newNum int) *RunData {
	return NewRunData(newNum, rd.configName, rd.clusterDesc, rd.options, rd.sinks, rd.base, rd.clock)
}

func (rd *RunData) RunNumber() int      { return rd.runNumber }
func (rd *RunData) ConfigName() string  { return rd.configName }
func (rd *RunData) ClusterDesc() string { return rd.clusterDesc }
func (rd *RunData) Options() RunOption  { return rd.options }
func (rd *RunData) Logger() log.Logger  { return rd.logger }

// Finished reports whether end-of-run accounting has completed.
func (rd *RunData) Finished() bool { return rd.finished.Load() }

// MarkFinished records that accounting ran. It returns true exactly once.
func (rd *RunData) MarkFinished() bool { return rd.finished.CompareAndSwap(false, true) }

// SetFirstPayTime pins the payload time of the first physics event. Only
// the first value sticks; it also seeds the rate window.
func (rd *RunData) SetFirstPayTime(ticks int64) {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	if rd.firstPayTime == 0 {
		rd.firstPayTime = ticks
	}
	if len(rd.entries) == 0 {
		rd.addRateLocked(rd.firstPayTime, 1)
	}
}

// FirstPayTime returns the payload time of the first physics event, 0 if
// none was seen.
func (rd *RunData) FirstPayTime() int64 {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	return rd.firstPayTime
}

// SetFirstGoodTime records the run-start consensus bound.
func (rd *RunData) SetFirstGoodTime(ticks int64) {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	rd.firstGood = ticks
}

// SetLastGoodTime records the run-stop consensus bound.
func (rd *RunData) SetLastGoodTime(ticks int64) {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	rd.lastGood = ticks
}

// GoodTimes returns the recorded consensus bounds.
func (rd *RunData) GoodTimes() (first, last int64) {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	return rd.firstGood, rd.lastGood
}

func (rd *RunData) addRateLocked(ticks, count int64) {
	rd.entries = append(rd.entries, rateEntry{ticks: ticks, count: count})
	if len(rd.entries) > maxRateEntries {
		rd.entries = rd.entries[len(rd.entries)-maxRateEntries:]
	}
}

// Rate returns the physics rate in Hz over the most recent window.
func (rd *RunData) Rate() float64 {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	if len(rd.entries) < 2 {
		return 0.0
	}
	end := rd.entries[len(rd.entries)-1]
	var start rateEntry
	for i := len(rd.entries) - 2; i >= 0; i-- {
		start = rd.entries[i]
		if end.ticks-start.ticks > rateInterval {
			break
		}
	}
	secs := float64(end.ticks-start.ticks) / float64(ticksPerSecond)
	if secs == 0.0 {
		return 0.0
	}
	return float64(end.count-start.count) / secs
}

// EventCounts returns the current stream counter snapshot.
func (rd *RunData) EventCounts() EventCounts {
	rate := rd.Rate()
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	return EventCounts{
		PhysicsEvents:     rd.numEvts,
		EventPayloadTicks: rd.evtPayTime,
		MoniEvents:        rd.numMoni,
		MoniTime:          rd.moniTicks,
		SNEvents:          rd.numSN,
		SNTime:            rd.snTicks,
		TcalEvents:        rd.numTcal,
		TcalTime:          rd.tcalTicks,
		Rate:              rate,
	}
}

// UpdateCounts sweeps the builders for current stream counters and folds
// them into the rate window. Counts reported against another run number
// abort the sweep, one run's statistics never bleed into the next.
func (rd *RunData) UpdateCounts(ctx context.Context, comps []*component.Handle) bool {
	group := compop.NewGroup[streamTotals]("updateCounts", rd.logger, rd.clock)
	for _, comp := range comps {
		if !comp.IsBuilder() {
			continue
		}
		switch comp.Name() {
		case EventBuilderName:
			group.Go(ctx, comp, readEventTotals)
		case SecondaryBuildersName:
			group.Go(ctx, comp, readSecondaryTotals)
		}
	}
	group.Wait(ctx, 8*time.Second, 10)

	totals := streamTotals{run: rd.runNumber}
	got := false
	for _, res := range group.Results() {
		if !res.OK() {
			level.Error(rd.logger).Log("msg", fmt.Sprintf("Cannot get event data for %s", res.Comp.FullName()), "err", res.Err)
			continue
		}
		// a builder already on the next run ends this sweep
		if res.Value.run != rd.runNumber {
			if res.Value.run != rd.runNumber+1 {
				level.Error(rd.logger).Log("msg", fmt.Sprintf("Ignoring %s counts (run#%d != run#%d)", res.Comp.FullName(), res.Value.run, rd.runNumber))
			}
			return false
		}
		got = true
		if res.Comp.Name() == EventBuilderName {
			totals.physics = res.Value.physics
			totals.physicsTicks = res.Value.physicsTicks
		} else {
			totals.moni, totals.moniTicks = res.Value.moni, res.Value.moniTicks
			totals.sn, totals.snTicks = res.Value.sn, res.Value.snTicks
			totals.tcal, totals.tcalTicks = res.Value.tcal, res.Value.tcalTicks
			totals.haveSecondary = true
		}
	}
	if !got {
		return false
	}
	if totals.physics > 0 && rd.FirstPayTime() == 0 {
		if first, ok := rd.FetchFirstEventTime(ctx, comps); ok {
			rd.SetFirstPayTime(first)
		}
	}
	rd.applyTotals(totals, true)
	return true
}

// applyTotals installs a builder sweep, optionally extending the rate
// window.
func (rd *RunData) applyTotals(t streamTotals, addRate bool) {
	rd.mtx.Lock()
	defer rd.mtx.Unlock()
	if t.physics < 0 || t.physicsTicks <= 0 {
		return
	}
	rd.numEvts = t.physics
	rd.evtPayTime = t.physicsTicks
	if t.haveSecondary {
		rd.numMoni, rd.moniTicks = t.moni, t.moniTicks
		rd.numSN, rd.snTicks = t.sn, t.snTicks
		rd.numTcal, rd.tcalTicks = t.tcal, t.tcalTicks
	}
	if addRate {
		rd.addRateLocked(rd.evtPayTime, rd.numEvts)
	}
}

// readEventTotals reads the physics stream counters from the event builder.
func readEventTotals(ctx context.Context, h *component.Handle) (streamTotals, error) {
	v, err := h.Client().GetSingleField(ctx, backEndBean, eventDataField)
	if err != nil {
		return streamTotals{}, err
	}
	vals, ok := asInt64s(v, 3)
	if !ok {
		return streamTotals{}, errors.Errorf("bad event data %v", v)
	}
	return streamTotals{run: int(vals[0]), physics: vals[1], physicsTicks: vals[2]}, nil
}

// readSecondaryTotals reads the moni/sn/tcal counters from the secondary
// builders component.
func readSecondaryTotals(ctx context.Context, h *component.Handle) (streamTotals, error) {
	t := streamTotals{haveSecondary: true}
	for _, bean := range []string{moniBuilderBean, snBuilderBean, tcalBuilderBean} {
		v, err := h.Client().GetSingleField(ctx, bean, eventDataField)
		if err != nil {
			return streamTotals{}, err
		}
		vals, ok := asInt64s(v, 3)
		if !ok {
			return streamTotals{}, errors.Errorf("bad event data %v from %s", v, bean)
		}
		t.run = int(vals[0])
		switch bean {
		case moniBuilderBean:
			t.moni, t.moniTicks = vals[1], vals[2]
		case snBuilderBean:
			t.sn, t.snTicks = vals[1], vals[2]
		case tcalBuilderBean:
			t.tcal, t.tcalTicks = vals[1], vals[2]
		}
	}
	return t, nil
}

// asInt64s coerces a remote bean value into exactly n integers.
func asInt64s(v any, n int) ([]int64, bool) {
	switch vv := v.(type) {
	case []int64:
		if len(vv) != n {
			return nil, false
		}
		return vv, true
	case []any:
		if len(vv) != n {
			return nil, false
		}
		out := make([]int64, n)
		for i, e := range vv {
			iv, ok := toInt64(e)
			if !ok {
				return nil, false
			}
			out[i] = iv
		}
		return out, true
	default:
		return nil, false
	}
}

// toInt64 coerces a scalar remote value.
func toInt64(v any) (int64, bool) {
	switch vv := v.(type) {
	case int64:
		return vv, true
	case int:
		return int64(vv), true
	case float64:
		return int64(vv), true
	default:
		return 0, false
	}
}

// ReportRunStart announces the run to the monitoring stream.
func (rd *RunData) ReportRunStart() {
	event := runStartEvent{RunNumber: rd.runNumber, Started: true}
	if err := rd.sinks.Monitor.Send("runstart", event); err != nil {
		level.Error(rd.logger).Log("msg", "Failed to send runstart", "err", err)
	}
}

// ReportGoodTime forwards a consensus good time to the monitoring stream
// and pins it on the run record.
func (rd *RunData) ReportGoodTime(name string, ticks int64) {
	switch name {
	case FirstGoodTimeName:
		rd.SetFirstGoodTime(ticks)
	case LastGoodTimeName:
		rd.SetLastGoodTime(ticks)
	}
	event := goodTimeEvent{RunNumber: rd.runNumber, Time: ticks}
	if err := rd.sinks.Monitor.Send(name, event); err != nil {
		level.Error(rd.logger).Log("msg", fmt.Sprintf("Failed to send %s", name), "err", err)
	}
}

// ReportRunStop sends the run-boundary record to the monitoring stream.
func (rd *RunData) ReportRunStop(numEvts, firstGood, lastGood int64, hadError bool) {
	status := "SUCCESS"
	if hadError {
		status = "FAIL"
	}
	event := runStopEvent{
		RunNumber: rd.runNumber,
		RunStart:  firstGood,
		RunStop:   lastGood,
		Events:    numEvts,
		Status:    status,
	}
	if err := rd.sinks.Monitor.Send("runstop", event); err != nil {
		level.Error(rd.logger).Log("msg", "Failed to send runstop", "err", err)
	}
}

// SendEventCounts reports per-stream count deltas to the monitoring stream.
// A stream whose payload clock has not advanced since the last report is
// skipped; the first sweep only seeds the baseline.
func (rd *RunData) SendEventCounts() {
	counts := rd.EventCounts()
	rd.mtx.Lock()
	defer rd.mtx.Unlock()

	for _, s := range []struct {
		name  string
		count int64
		ticks int64
	}{
		{"physicsEvents", counts.PhysicsEvents, counts.EventPayloadTicks},
		{"moniEvents", counts.MoniEvents, counts.MoniTime},
		{"snEvents", counts.SNEvents, counts.SNTime},
		{"tcalEvents", counts.TcalEvents, counts.TcalTime},
	} {
		if s.ticks == 0 {
			continue
		}
		prev, seen := rd.streams[s.name]
		if !seen {
			rd.streams[s.name] = &streamRecord{count: s.count, ticks: s.ticks}
			continue
		}
		if prev.ticks == s.ticks {
			if prev.count != s.count {
				level.Error(rd.logger).Log("msg", fmt.Sprintf("Skipping bogus data for %s (identical timestamps but old count is %d, new is %d)", s.name, prev.count, s.count))
			}
			continue
		}
		delta := s.count - prev.count
		if delta < 0 {
			level.Error(rd.logger).Log("msg", fmt.Sprintf("Ignoring negative %s count for run %d (prev %d, cur %d)", s.name, rd.runNumber, prev.count, s.count))
		} else {
			event := countUpdateEvent{
				StartTime: prev.ticks,
				StopTime:  s.ticks,
				Count:     delta,
				Stream:    s.name,
				RunNumber: rd.runNumber,
			}
			if err := rd.sinks.Monitor.Send("event_count_update", event); err != nil {
				level.Error(rd.logger).Log("msg", fmt.Sprintf("Failed to send %s update", s.name), "err", err)
			}
		}
		prev.count, prev.ticks = s.count, s.ticks
	}
}

// FinalReport gathers end-of-run statistics from the builders, logs the run
// summary and hands it to the Journal. It returns the run duration in
// seconds and whether the gathered data exposed an error.
func (rd *RunData) FinalReport(ctx context.Context, comps []*component.Handle, hadError, switching bool) (int64, bool) {
	counts, haveSecondary := rd.collectRunCounts(ctx, comps)
	physics := counts.physics
	firstTime, lastTime := counts.firstTime, counts.lastTime
	firstGood, lastGood := counts.firstGood, counts.lastGood

	rd.applyTotals(streamTotals{
		run: rd.runNumber, physics: physics, physicsTicks: lastTime,
		moni: counts.moni, sn: counts.sn, tcal: counts.tcal,
		haveSecondary: haveSecondary,
	}, false)
	if fp := rd.FirstPayTime(); fp != 0 {
		// the live payload time is more accurate than the builder's recall
		firstTime = fp
	}

	var duration int64
	if physics <= 0 {
		level.Error(rd.logger).Log("msg", "Reset duration for final report")
	} else {
		switch {
		case firstTime == 0:
			level.Error(rd.logger).Log("msg", "Starting time is not set")
			hadError = true
		case lastTime == 0:
			level.Error(rd.logger).Log("msg", "Ending time is not set")
			hadError = true
		case lastTime < firstTime:
			level.Error(rd.logger).Log("msg", fmt.Sprintf("Ending time %d is before starting time %d", lastTime, firstTime))
			hadError = true
		default:
			duration = (lastTime - firstTime) / ticksPerSecond
		}
	}

	rd.SetFirstGoodTime(firstGood)
	rd.SetLastGoodTime(lastGood)

	sum := rd.summary(physics, counts.moni, counts.sn, counts.tcal, firstTime, lastTime, firstGood, lastGood, duration, hadError)
	if err := rd.sinks.Journal.Record(sum); err != nil {
		level.Error(rd.logger).Log("msg", "Could not write run summary", "err", err)
	}

	rd.ReportRunStop(physics, firstGood, lastGood, hadError)

	if switching {
		rd.ReportGoodTime(LastGoodTimeName, lastTime)
	}

	rateStr := ""
	if duration > 0 {
		rateStr = fmt.Sprintf(" (%2.2f Hz)", float64(physics)/float64(duration))
	}
	level.Info(rd.logger).Log("msg", fmt.Sprintf("%d physics events collected in %d seconds%s", physics, duration, rateStr))

	if !haveSecondary {
		level.Error(rd.logger).Log("msg", "!! secondary stream data is not available !!")
	} else {
		level.Info(rd.logger).Log("msg", fmt.Sprintf("%d moni events, %d SN events, %d tcals", counts.moni, counts.sn, counts.tcal))
	}

	endType := "terminated"
	if switching {
		endType = "switched"
	}
	errType := "SUCCESSFULLY"
	if hadError {
		errType = "WITH ERROR"
	}
	level.Info(rd.logger).Log("msg", fmt.Sprintf("Run %s %s.", endType, errType))

	return duration, hadError
}

// runCounts is the final sweep's result set.
type runCounts struct {
	physics   int64
	firstTime int64
	lastTime  int64
	firstGood int64
	lastGood  int64
	moni      int64
	sn        int64
	tcal      int64
}

// collectRunCounts sweeps the builders for the final stream counters.
func (rd *RunData) collectRunCounts(ctx context.Context, comps []*component.Handle) (runCounts, bool) {
	group := compop.NewGroup[[]int64]("getRunData", rd.logger, rd.clock)
	for _, comp := range comps {
		if !comp.IsBuilder() {
			continue
		}
		name := comp.Name()
		if name != EventBuilderName && name != SecondaryBuildersName {
			continue
		}
		group.Go(ctx, comp, func(ctx context.Context, h *component.Handle) ([]int64, error) {
			bean, want := backEndBean, 5
			if h.Name() == SecondaryBuildersName {
				bean, want = secondaryBean, 6
			}
			v, err := h.Client().GetSingleField(ctx, bean, runSummaryField)
			if err != nil {
				return nil, err
			}
			vals, ok := asInt64s(v, want)
			if !ok {
				return nil, errors.Errorf("bogus run data %v", v)
			}
			return vals, nil
		})
	}
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)

	var counts runCounts
	haveSecondary := false
	for _, res := range group.Results() {
		if !res.OK() {
			level.Error(rd.logger).Log("msg", fmt.Sprintf("Cannot get run %d data for %s", rd.runNumber, res.Comp.FullName()), "err", res.Err)
			continue
		}
		if res.Comp.Name() == EventBuilderName {
			counts.physics, counts.firstTime, counts.lastTime = res.Value[0], res.Value[1], res.Value[2]
			counts.firstGood, counts.lastGood = res.Value[3], res.Value[4]
			if counts.lastGood == 0 {
				level.Error(rd.logger).Log("msg", fmt.Sprintf("Event builder reported [%d-%d] for run %d good stop time", counts.firstGood, counts.lastGood, rd.runNumber))
			}
		} else {
			counts.tcal, counts.sn, counts.moni = res.Value[0], res.Value[2], res.Value[4]
			haveSecondary = true
		}
	}
	return counts, haveSecondary
}

func (rd *RunData) summary(physics, moni, sn, tcal, firstTime, lastTime, firstGood, lastGood, duration int64, hadError bool) Summary {
	return Summary{
		RunNumber:     rd.runNumber,
		ConfigName:    rd.configName,
		ClusterDesc:   rd.clusterDesc,
		StartTime:     rd.startTime,
		EndTime:       rd.clock.Now(),
		NumPhysics:    physics,
		NumMoni:       moni,
		NumSN:         sn,
		NumTcal:       tcal,
		FirstPayTime:  firstTime,
		LastPayTime:   lastTime,
		FirstGoodTime: firstGood,
		LastGoodTime:  lastGood,
		DurationSecs:  duration,
		HadError:      hadError,
	}
}

// Archive hands the finished run to the archival queue.
func (rd *RunData) Archive() error {
	rd.mtx.Lock()
	sum := rd.summary(rd.numEvts, rd.numMoni, rd.numSN, rd.numTcal, rd.firstPayTime, rd.evtPayTime, rd.firstGood, rd.lastGood, 0, false)
	rd.mtx.Unlock()
	return rd.sinks.Archiver.Archive(sum)
}

// FetchFirstEventTime asks the event builder for the payload time of the
// first event, used when nothing has pinned one yet.
func (rd *RunData) FetchFirstEventTime(ctx context.Context, comps []*component.Handle) (int64, bool) {
	var eb *component.Handle
	for _, comp := range comps {
		if comp.Name() == EventBuilderName {
			eb = comp
			break
		}
	}
	if eb == nil {
		level.Error(rd.logger).Log("msg", "Cannot find eventBuilder in runset")
		return 0, false
	}
	v, err := eb.Client().GetSingleField(ctx, backEndBean, firstEventField)
	if err != nil {
		level.Error(rd.logger).Log("msg", "Cannot get first event time", "err", err)
		return 0, false
	}
	first, ok := toInt64(v)
	if !ok {
		level.Error(rd.logger).Log("msg", fmt.Sprintf("Got bad first event time (%v)", v))
		return 0, false
	}
	return first, true
}
