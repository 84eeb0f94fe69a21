package compop

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/daqkit/daqctl/pkg/component"
	"github.com/daqkit/daqctl/pkg/component/comptest"
)

func TestRunnerConfigure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := Runner{Logger: log.NewNopLogger(), Clock: quartz.NewMock(t)}

	fakes := []*comptest.Fake{
		comptest.New("stringHub", 1),
		comptest.New("inIceTrigger", 0),
		comptest.New("eventBuilder", 0),
	}
	comps := make([]*component.Handle, len(fakes))
	for i, f := range fakes {
		comps[i] = f.Handle(i + 1)
	}

	g := r.Configure(ctx, comps, "sps-IC86-2026")
	require.True(t, g.Wait(ctx, time.Second, 4))
	require.NoError(t, g.Err())

	for _, res := range g.Results() {
		require.Equal(t, component.StateReady, res.Value)
	}
	for _, f := range fakes {
		require.Equal(t, component.StateReady, f.State())
		require.Equal(t, []string{"configure"}, f.Calls())
	}
}

func TestRunnerConnectDeliversPerTargetLinks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := Runner{Logger: log.NewNopLogger(), Clock: quartz.NewMock(t)}

	hub := comptest.New("stringHub", 1)
	trig := comptest.New("inIceTrigger", 0)
	hubHandle, trigHandle := hub.Handle(1), trig.Handle(2)

	links := map[int][]component.Connection{
		1: {{Type: "rdoutReq", Name: "eventBuilder", Num: 0, Host: "ev", Port: 9001}},
		2: {{Type: "stringHit", Name: "stringHub", Num: 1, Host: "sh", Port: 9101}},
	}

	g := r.Connect(ctx, []*component.Handle{hubHandle, trigHandle}, links)
	require.True(t, g.Wait(ctx, time.Second, 4))
	require.NoError(t, g.Err())

	require.Equal(t, links[1], hub.Connections())
	require.Equal(t, links[2], trig.Connections())
}

func TestRunnerGetRunNumbers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := Runner{Logger: log.NewNopLogger(), Clock: quartz.NewMock(t)}

	a := comptest.New("eventBuilder", 0)
	b := comptest.New("secondaryBuilders", 0)
	ha, hb := a.Handle(1), b.Handle(2)

	start := r.StartRun(ctx, []*component.Handle{ha, hb}, 4200)
	require.True(t, start.Wait(ctx, time.Second, 4))

	g := r.GetRunNumbers(ctx, []*component.Handle{ha, hb})
	require.True(t, g.Wait(ctx, time.Second, 4))
	require.NoError(t, g.Err())
	for _, res := range g.Results() {
		require.Equal(t, 4200, res.Value)
	}
}

func TestRunnerStopRunStuckComponent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := Runner{Logger: log.NewNopLogger(), Clock: quartz.NewMock(t)}

	ok := comptest.New("stringHub", 1)
	stuck := comptest.New("stringHub", 2)
	stuck.StickOn("stopRun")

	hOK, hStuck := ok.Handle(1), stuck.Handle(2)
	for _, f := range []*comptest.Fake{ok, stuck} {
		f.SetState(component.StateRunning)
	}

	g := r.StopRun(ctx, []*component.Handle{hOK, hStuck})
	require.True(t, g.Wait(ctx, time.Second, 4))
	require.NoError(t, g.Err())

	// The stuck component accepted the call but never left running; that
	// surfaces through its reported state, not through an error.
	res, found := g.Result(1)
	require.True(t, found)
	require.Equal(t, component.StateReady, res.Value)

	res, found = g.Result(2)
	require.True(t, found)
	require.Equal(t, component.StateRunning, res.Value)
}
