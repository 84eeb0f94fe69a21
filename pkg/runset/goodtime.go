package runset

import (
	"context"
	"fmt"
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

// Consensus bound names, shared by the pollers and the monitoring stream.
const (
	FirstGoodTimeName = "firstGoodTime"
	LastGoodTimeName  = "lastGoodTime"
)

// Hub monitoring bean read by the pollers.
const (
	hubBean        = "stringhub"
	firstHitField  = "FirstChannelHitTime"
	lastHitField   = "LastChannelHitTime"
	nonZombieField = "NumberOfNonZombies"
)

// Each polling attempt waits with 0.1s ticks when the budget is the 2s
// default.
const goodTimeWaitReps = 20

// goodTimeSample is one hub's answer: either a hit time or the news that
// the hub has no live channels to report one.
type goodTimeSample struct {
	ticks      int64
	noChannels bool
}

// GoodTimeTask polls every source for a boundary hit time until all have
// answered or the attempt budget runs out, pushing each improvement to the
// builders and the global trigger as soon as it is seen. The earliest-
// arrival variant tracks the minimum and is joined before the run is
// declared started; the latest-arrival variant tracks the maximum, runs
// detached during the stop sequence and is cancelled once the stop
// concludes.
type GoodTimeTask struct {
	services.Service

	name      string
	timeField string
	// waitAll makes each attempt wait for the whole fan-out before
	// results are processed; without it answers are folded in as they
	// arrive.
	waitAll bool
	better  func(candidate, best int64) bool

	attempts int
	wait     time.Duration
	report   func(name string, ticks int64)

	logger log.Logger
	clock  quartz.Clock

	sources  []*component.Handle
	notifees []*component.Handle

	mtx        sync.Mutex
	best       int64
	haveBest   bool
	sampled    map[int]bool
	noChannels map[int]bool
	bad        map[int]bool
}

// NewFirstGoodTimeTask returns the earliest-arrival poller for the run
// start bound. report, if set, receives the final value once the task
// finishes.
func NewFirstGoodTimeTask(comps []*component.Handle, cfg Config, report func(name string, ticks int64), logger log.Logger, clock quartz.Clock) *GoodTimeTask {
	return newGoodTimeTask(FirstGoodTimeName, firstHitField, true,
		func(candidate, best int64) bool { return candidate < best },
		comps, cfg, report, logger, clock)
}

// NewLastGoodTimeTask returns the latest-arrival poller for the run stop
// bound.
func NewLastGoodTimeTask(comps []*component.Handle, cfg Config, report func(name string, ticks int64), logger log.Logger, clock quartz.Clock) *GoodTimeTask {
	return newGoodTimeTask(LastGoodTimeName, lastHitField, false,
		func(candidate, best int64) bool { return candidate > best },
		comps, cfg, report, logger, clock)
}

func newGoodTimeTask(name, timeField string, waitAll bool, better func(int64, int64) bool, comps []*component.Handle, cfg Config, report func(string, int64), logger log.Logger, clock quartz.Clock) *GoodTimeTask {
	if clock == nil {
		clock = quartz.NewReal()
	}
	t := &GoodTimeTask{
		name:       name,
		timeField:  timeField,
		waitAll:    waitAll,
		better:     better,
		attempts:   cfg.GoodTimeAttempts,
		wait:       cfg.GoodTimeWait,
		report:     report,
		logger:     logger,
		clock:      clock,
		sampled:    make(map[int]bool),
		noChannels: make(map[int]bool),
		bad:        make(map[int]bool),
	}
	for _, comp := range comps {
		switch {
		case comp.IsSource():
			t.sources = append(t.sources, comp)
		case comp.IsBuilder() || comp.Name() == GlobalTriggerName:
			t.notifees = append(t.notifees, comp)
		}
	}
	t.Service = services.NewBasicService(nil, t.running, nil)
	return t
}

func (t *GoodTimeTask) running(ctx context.Context) error {
	for attempt := 0; attempt < t.attempts && ctx.Err() == nil; attempt++ {
		pending := t.pending()
		if len(pending) == 0 {
			break
		}

		group := compop.NewGroup[goodTimeSample](compop.OpGetGoodTimes, t.logger, t.clock)
		group.GoAll(ctx, pending, t.readSource)

		if t.waitAll {
			group.Wait(ctx, t.wait, goodTimeWaitReps)
			if improved, best := t.fold(group, map[int]bool{}); improved {
				t.notify(ctx, best)
			}
			group.ReportErrors(t.name)
		} else {
			tick := t.wait / goodTimeWaitReps
			seen := map[int]bool{}
			for i := 0; i < goodTimeWaitReps && ctx.Err() == nil; i++ {
				done := group.Wait(ctx, tick, 1)
				if improved, best := t.fold(group, seen); improved {
					t.notify(ctx, best)
				}
				if done {
					break
				}
			}
		}

		if hung := group.Hung(); len(hung) > 0 {
			plural := ""
			if len(hung) != 1 {
				plural = "s"
			}
			level.Error(t.logger).Log("msg", fmt.Sprintf("%s found %d hanging component%s: %s", t.name, len(hung), plural, component.Names(hung)))
		}
	}

	if missing := t.pending(); len(missing) > 0 {
		level.Error(t.logger).Log("msg", fmt.Sprintf("Couldn't find %s for %s", t.name, component.Names(missing)))
	}
	if best, ok := t.Best(); ok && t.report != nil {
		t.report(t.name, best)
	}
	return nil
}

// readSource asks one hub for its live channel count and, when it has any,
// the boundary hit time.
func (t *GoodTimeTask) readSource(ctx context.Context, h *component.Handle) (goodTimeSample, error) {
	v, err := h.Client().GetSingleField(ctx, hubBean, nonZombieField)
	if err != nil {
		return goodTimeSample{}, err
	}
	channels, ok := toInt64(v)
	if !ok {
		return goodTimeSample{}, errors.Errorf("bad channel count %v", v)
	}
	if channels <= 0 {
		return goodTimeSample{noChannels: true}, nil
	}
	v, err = h.Client().GetSingleField(ctx, hubBean, t.timeField)
	if err != nil {
		return goodTimeSample{}, err
	}
	ticks, ok := toInt64(v)
	if !ok {
		return goodTimeSample{}, errors.Errorf("bad %s value %v", t.timeField, v)
	}
	return goodTimeSample{ticks: ticks}, nil
}

// pending returns the sources that have not produced an answer yet. A hub
// that errored stays pending so a later attempt can recover it.
func (t *GoodTimeTask) pending() []*component.Handle {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []*component.Handle
	for _, comp := range t.sources {
		if !t.sampled[comp.ID()] && !t.noChannels[comp.ID()] {
			out = append(out, comp)
		}
	}
	return out
}

// fold works the group's current results into the task state, skipping any
// already handled through seen, and reports whether the best value moved.
func (t *GoodTimeTask) fold(group *compop.Group[goodTimeSample], seen map[int]bool) (bool, int64) {
	results := group.Results()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	improved := false
	for id, res := range results {
		if seen[id] || res.Hung {
			continue
		}
		seen[id] = true
		switch {
		case res.Err != nil:
			t.bad[id] = true
		case res.Value.noChannels:
			// no live channels, nothing to wait for from this hub
			delete(t.bad, id)
			t.noChannels[id] = true
		case res.Value.ticks <= 0:
			delete(t.bad, id)
		default:
			delete(t.bad, id)
			t.sampled[id] = true
			if !t.haveBest || t.better(res.Value.ticks, t.best) {
				t.best, t.haveBest = res.Value.ticks, true
				improved = true
			}
		}
	}
	return improved, t.best
}

// notify pushes an improved bound to the builders and the global trigger.
func (t *GoodTimeTask) notify(ctx context.Context, best int64) {
	if len(t.notifees) == 0 {
		return
	}
	runner := compop.Runner{Logger: t.logger, Clock: t.clock}
	var group *compop.Group[struct{}]
	if t.name == FirstGoodTimeName {
		group = runner.SetFirstGoodTime(ctx, t.notifees, best)
	} else {
		group = runner.SetLastGoodTime(ctx, t.notifees, best)
	}
	group.Wait(ctx, compop.DefaultWaitTotal, compop.DefaultWaitReps)
	if err := group.Err(); err != nil {
		level.Error(t.logger).Log("msg", fmt.Sprintf("Cannot send %s to builders: %s", t.name, err))
	}
}

// Best returns the best boundary time seen so far.
func (t *GoodTimeTask) Best() (int64, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.best, t.haveBest
}

// BadComponents returns the sources whose latest read failed.
func (t *GoodTimeTask) BadComponents() []*component.Handle {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	var out []*component.Handle
	for _, comp := range t.sources {
		if t.bad[comp.ID()] {
			out = append(out, comp)
		}
	}
	return out
}
