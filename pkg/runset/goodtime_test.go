package runset

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/daqkit/daqctl/pkg/component"
)

type reportRecorder struct {
	mtx   sync.Mutex
	names []string
	ticks []int64
}

func (r *reportRecorder) report(name string, ticks int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.names = append(r.names, name)
	r.ticks = append(r.ticks, ticks)
}

func (r *reportRecorder) all() ([]string, []int64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string{}, r.names...), append([]int64{}, r.ticks...)
}

func runGoodTimeTask(t *testing.T, task *GoodTimeTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, task.StartAsync(context.Background()))
	require.NoError(t, task.AwaitTerminated(ctx))
}

func TestFirstGoodTimeTaskPicksEarliest(t *testing.T) {
	c := newTestCluster(t)
	c.scriptGoodTimes()

	rec := &reportRecorder{}
	task := NewFirstGoodTimeTask(c.comps, testConfig(), rec.report, log.NewNopLogger(), nil)
	runGoodTimeTask(t, task)

	best, ok := task.Best()
	require.True(t, ok)
	require.Equal(t, 12*ticksPerSecond, best)
	require.Empty(t, task.BadComponents())

	names, ticks := rec.all()
	require.Equal(t, []string{FirstGoodTimeName}, names)
	require.Equal(t, []int64{12 * ticksPerSecond}, ticks)

	// The builders and the global trigger hear about the bound; a middle
	// trigger does not.
	require.Equal(t, 12*ticksPerSecond, c.eb.FirstGoodTime())
	require.Equal(t, 12*ticksPerSecond, c.sb.FirstGoodTime())
	require.Equal(t, 12*ticksPerSecond, c.gtrig.FirstGoodTime())
	require.Zero(t, c.trigger.FirstGoodTime())
}

func TestFirstGoodTimeTaskSkipsChannellessHub(t *testing.T) {
	c := newTestCluster(t)
	c.hub1.SetBeanField(hubBean, nonZombieField, int64(60))
	c.hub1.SetBeanField(hubBean, firstHitField, 15*ticksPerSecond)
	c.hub2.SetBeanField(hubBean, nonZombieField, int64(0))

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	rec := &reportRecorder{}
	task := NewFirstGoodTimeTask(c.comps, testConfig(), rec.report, logger, nil)
	runGoodTimeTask(t, task)

	best, ok := task.Best()
	require.True(t, ok)
	require.Equal(t, 15*ticksPerSecond, best)

	// The channel count alone settles a channelless hub; its hit time is
	// never requested and it is not reported missing.
	require.Equal(t, []string{"getSingleField"}, c.hub2.Calls())
	require.Equal(t, []string{"getSingleField", "getSingleField"}, c.hub1.Calls())
	require.NotContains(t, buf.String(), "Couldn't find")
}

func TestFirstGoodTimeTaskAllChannelless(t *testing.T) {
	c := newTestCluster(t)
	c.hub1.SetBeanField(hubBean, nonZombieField, int64(0))
	c.hub2.SetBeanField(hubBean, nonZombieField, int64(0))

	rec := &reportRecorder{}
	task := NewFirstGoodTimeTask(c.comps, testConfig(), rec.report, log.NewNopLogger(), nil)
	runGoodTimeTask(t, task)

	_, ok := task.Best()
	require.False(t, ok)
	names, _ := rec.all()
	require.Empty(t, names)
	require.NotContains(t, c.eb.Calls(), "setFirstGoodTime")
}

func TestFirstGoodTimeTaskRetriesFailingHub(t *testing.T) {
	c := newTestCluster(t)
	c.hub1.SetBeanField(hubBean, nonZombieField, int64(60))
	c.hub1.SetBeanField(hubBean, firstHitField, 15*ticksPerSecond)
	c.hub2.FailOn("getSingleField", errors.New("mbean refused"))

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	rec := &reportRecorder{}
	cfg := testConfig()
	task := NewFirstGoodTimeTask(c.comps, cfg, rec.report, logger, nil)
	runGoodTimeTask(t, task)

	// One failed read per attempt, and the healthy hub's answer still
	// wins through.
	require.Len(t, c.hub2.Calls(), cfg.GoodTimeAttempts)
	require.Equal(t, "stringHub#2", component.Names(task.BadComponents()))
	require.Contains(t, buf.String(), "Couldn't find firstGoodTime for stringHub#2")

	best, ok := task.Best()
	require.True(t, ok)
	require.Equal(t, 15*ticksPerSecond, best)
	require.Equal(t, 15*ticksPerSecond, c.eb.FirstGoodTime())
	_, ticks := rec.all()
	require.Equal(t, []int64{15 * ticksPerSecond}, ticks)
}

func TestLastGoodTimeTaskPicksLatest(t *testing.T) {
	c := newTestCluster(t)
	c.scriptGoodTimes()

	rec := &reportRecorder{}
	task := NewLastGoodTimeTask(c.comps, testConfig(), rec.report, log.NewNopLogger(), nil)
	runGoodTimeTask(t, task)

	best, ok := task.Best()
	require.True(t, ok)
	require.Equal(t, 99*ticksPerSecond, best)
	require.Equal(t, 99*ticksPerSecond, c.eb.LastGoodTime())
	names, ticks := rec.all()
	require.Equal(t, []string{LastGoodTimeName}, names)
	require.Equal(t, []int64{99 * ticksPerSecond}, ticks)
}

func TestGoodTimeTaskNotifyFailure(t *testing.T) {
	c := newTestCluster(t)
	c.scriptGoodTimes()
	c.eb.FailOn("setFirstGoodTime", errors.New("refused"))

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	task := NewFirstGoodTimeTask(c.comps, testConfig(), nil, logger, nil)
	runGoodTimeTask(t, task)

	// The refusal is logged but does not block the other notifees.
	require.Contains(t, buf.String(), "Cannot send firstGoodTime to builders")
	require.Equal(t, 12*ticksPerSecond, c.sb.FirstGoodTime())
	require.Equal(t, 12*ticksPerSecond, c.gtrig.FirstGoodTime())
}

func TestGoodTimeTaskHangingHub(t *testing.T) {
	c := newTestCluster(t)
	c.hub1.SetBeanField(hubBean, nonZombieField, int64(60))
	c.hub1.SetBeanField(hubBean, firstHitField, 15*ticksPerSecond)
	c.hub2.HangOn("getSingleField")

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	cfg := testConfig()
	cfg.GoodTimeAttempts = 2
	cfg.GoodTimeWait = 40 * time.Millisecond
	task := NewFirstGoodTimeTask(c.comps, cfg, nil, logger, nil)
	runGoodTimeTask(t, task)

	require.Contains(t, buf.String(), "firstGoodTime found 1 hanging component: stringHub#2")
	require.Contains(t, buf.String(), "Couldn't find firstGoodTime for stringHub#2")

	best, ok := task.Best()
	require.True(t, ok)
	require.Equal(t, 15*ticksPerSecond, best)

	// Unblock the two reads still parked in the hub before the leak check.
	c.hub2.Release()
}
