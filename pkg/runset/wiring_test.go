package runset

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/daqkit/daqctl/pkg/component"
)

// wiringHub declares the connectors a hub carries on the wire: hits to the
// trigger, readout data and monitoring streams out, readout requests in.
func wiringHub(id, num int) *component.Handle {
	return component.NewHandle(id, "stringHub", num, "sps-hub", []component.Connector{
		{Type: "stringHit", Kind: component.Output},
		{Type: "rdoutData", Kind: component.Output},
		{Type: "moniData", Kind: component.Output},
		{Type: "rdoutReq", Kind: component.Input, Port: 9000 + num},
	}, nil)
}

// wiringDetector builds the five-role detector graph used across the
// wiring tests: two hubs, the trigger chain, the event builder with its
// readout request loop back into the hubs, and the hub-fed secondary
// builders.
func wiringDetector() []*component.Handle {
	return []*component.Handle{
		wiringHub(1, 1),
		wiringHub(2, 2),
		component.NewHandle(3, "inIceTrigger", 0, "sps-trigger", []component.Connector{
			{Type: "stringHit", Kind: component.Input, Port: 9101},
			{Type: "trigger", Kind: component.Output},
		}, nil),
		component.NewHandle(4, "globalTrigger", 0, "sps-gtrig", []component.Connector{
			{Type: "trigger", Kind: component.Input, Port: 9201},
			{Type: "glblTrig", Kind: component.Output},
		}, nil),
		component.NewHandle(5, "eventBuilder", 0, "sps-evbuilder", []component.Connector{
			{Type: "glblTrig", Kind: component.Input, Port: 9301},
			{Type: "rdoutData", Kind: component.Input, Port: 9302},
			{Type: "rdoutReq", Kind: component.Output},
		}, nil),
		component.NewHandle(6, "secondaryBuilders", 0, "sps-2ndbuild", []component.Connector{
			{Type: "moniData", Kind: component.Input, Port: 9401},
		}, nil),
	}
}

func TestBuildConnectionMap(t *testing.T) {
	comps := wiringDetector()
	connMap, err := BuildConnectionMap(comps)
	require.NoError(t, err)

	wired := connMap.Wire()

	// Each hub pushes into the trigger, the event builder and the
	// secondary builders.
	for _, hubID := range []int{1, 2} {
		require.Len(t, wired[hubID], 3)
		require.Contains(t, wired[hubID], component.Connection{
			Type: "stringHit", Name: "inIceTrigger", Num: 0, Host: "sps-trigger", Port: 9101,
		})
		require.Contains(t, wired[hubID], component.Connection{
			Type: "rdoutData", Name: "eventBuilder", Num: 0, Host: "sps-evbuilder", Port: 9302,
		})
		require.Contains(t, wired[hubID], component.Connection{
			Type: "moniData", Name: "secondaryBuilders", Num: 0, Host: "sps-2ndbuild", Port: 9401,
		})
	}

	require.Equal(t, []component.Connection{
		{Type: "trigger", Name: "globalTrigger", Num: 0, Host: "sps-gtrig", Port: 9201},
	}, wired[3])
	require.Equal(t, []component.Connection{
		{Type: "glblTrig", Name: "eventBuilder", Num: 0, Host: "sps-evbuilder", Port: 9301},
	}, wired[4])

	// The event builder fans readout requests back to both hubs, hub
	// order fixed by ID.
	require.Equal(t, []component.Connection{
		{Type: "rdoutReq", Name: "stringHub", Num: 1, Host: "sps-hub", Port: 9001},
		{Type: "rdoutReq", Name: "stringHub", Num: 2, Host: "sps-hub", Port: 9002},
	}, wired[5])

	// The secondary builders only receive.
	require.Empty(t, wired[6])
}

func TestBuildConnectionMapErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		comps []*component.Handle
		want  string
	}{
		{
			name: "output without input",
			comps: []*component.Handle{
				wiringHub(1, 1),
			},
			want: "No inputs found for moniData outputs (stringHub#1)",
		},
		{
			name: "input without output",
			comps: []*component.Handle{
				component.NewHandle(1, "inIceTrigger", 0, "h", []component.Connector{
					{Type: "stringHit", Kind: component.Input, Port: 9101},
				}, nil),
			},
			want: "No outputs found for stringHit inputs (inIceTrigger)",
		},
		{
			name: "fan out on both sides",
			comps: []*component.Handle{
				component.NewHandle(1, "stringHub", 1, "h", []component.Connector{{Type: "hit", Kind: component.Output}}, nil),
				component.NewHandle(2, "stringHub", 2, "h", []component.Connector{{Type: "hit", Kind: component.Output}}, nil),
				component.NewHandle(3, "iceTopTrigger", 1, "h", []component.Connector{{Type: "hit", Kind: component.Input, Port: 9101}}, nil),
				component.NewHandle(4, "iceTopTrigger", 2, "h", []component.Connector{{Type: "hit", Kind: component.Input, Port: 9102}}, nil),
			},
			want: "Found 2 hit inputs for 2 outputs",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildConnectionMap(tc.comps)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestBuildConnectionMapOptional(t *testing.T) {
	// Unmatched optional connectors resolve to nothing instead of failing
	// the build.
	comps := []*component.Handle{
		component.NewHandle(1, "stringHub", 1, "h", []component.Connector{
			{Type: "hit", Kind: component.Output},
			{Type: "icetopHit", Kind: component.Output, Optional: true},
		}, nil),
		component.NewHandle(2, "inIceTrigger", 0, "h", []component.Connector{
			{Type: "hit", Kind: component.Input, Port: 9101},
			{Type: "trackEngine", Kind: component.Input, Port: 9102, Optional: true},
		}, nil),
	}
	connMap, err := BuildConnectionMap(comps)
	require.NoError(t, err)
	require.Len(t, connMap[1], 1)
	require.Equal(t, "hit", connMap[1][0].Conn.Type)
}

func TestAssignOrder(t *testing.T) {
	comps := wiringDetector()
	connMap, err := BuildConnectionMap(comps)
	require.NoError(t, err)
	require.NoError(t, AssignOrder(comps, connMap, log.NewNopLogger()))

	want := map[string]int{
		"stringHub#1":       10,
		"stringHub#2":       10,
		"inIceTrigger":      20,
		"secondaryBuilders": 20,
		"globalTrigger":     30,
		"eventBuilder":      40,
	}
	for _, comp := range comps {
		require.Equal(t, want[comp.FullName()], comp.Order(), comp.FullName())
	}
}

func TestAssignOrderNoSources(t *testing.T) {
	comps := []*component.Handle{
		component.NewHandle(1, "inIceTrigger", 0, "h", []component.Connector{
			{Type: "trigger", Kind: component.Output},
			{Type: "stringHit", Kind: component.Input, Port: 9101, Optional: true},
		}, nil),
		component.NewHandle(2, "globalTrigger", 0, "h", []component.Connector{
			{Type: "trigger", Kind: component.Input, Port: 9201},
		}, nil),
	}
	connMap, err := BuildConnectionMap(comps)
	require.NoError(t, err)

	err = AssignOrder(comps, connMap, log.NewNopLogger())
	require.EqualError(t, err, "No sources found")
}

func TestAssignOrderUnreachable(t *testing.T) {
	comps := []*component.Handle{
		component.NewHandle(1, "stringHub", 1, "h", []component.Connector{
			{Type: "hit", Kind: component.Output},
		}, nil),
		component.NewHandle(2, "inIceTrigger", 0, "h", []component.Connector{
			{Type: "hit", Kind: component.Input, Port: 9101},
		}, nil),
		component.NewHandle(3, "trackEngine", 0, "h", []component.Connector{
			{Type: "track", Kind: component.Input, Port: 9901, Optional: true},
		}, nil),
	}
	connMap, err := BuildConnectionMap(comps)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := log.NewSyncLogger(log.NewLogfmtLogger(&buf))
	err = AssignOrder(comps, connMap, logger)
	require.Error(t, err)
	require.Contains(t, err.Error(), "No order set for trackEngine")
	require.Contains(t, buf.String(), "Unordered: trackEngine")
}

func TestStartSets(t *testing.T) {
	comps := wiringDetector()
	connMap, err := BuildConnectionMap(comps)
	require.NoError(t, err)
	require.NoError(t, AssignOrder(comps, connMap, log.NewNopLogger()))
	component.SortByOrder(comps)

	require.Equal(t, "eventBuilder, globalTrigger, inIceTrigger, secondaryBuilders, stringHub#1, stringHub#2",
		component.Names(comps))

	sets, err := buildStartSets(comps)
	require.NoError(t, err)
	require.Equal(t, "stringHub#1, stringHub#2", component.Names(sets.sources))
	require.Equal(t, "globalTrigger, inIceTrigger", component.Names(sets.middle))
	require.Equal(t, "eventBuilder, secondaryBuilders", component.Names(sets.builders))

	// Downstream consumers first on the way up, drain order on the way
	// down.
	require.Equal(t, "eventBuilder, secondaryBuilders, globalTrigger, inIceTrigger",
		component.Names(sets.nonHubs()))
	require.Equal(t, "inIceTrigger, secondaryBuilders, globalTrigger, eventBuilder",
		component.Names(sets.stopOrder()))
}

func TestBuildStartSetsRejectsUnordered(t *testing.T) {
	comps := wiringDetector()
	_, err := buildStartSets(comps)
	require.Error(t, err)
	require.Contains(t, err.Error(), "No order set for")
}
