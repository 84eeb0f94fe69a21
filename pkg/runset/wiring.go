// Package runset drives a fixed group of DAQ components through the run
// lifecycle as a single unit: wiring them together at build time, starting
// and stopping them in dependency order, polling the hubs for good-time
// consensus, and keeping the per-run bookkeeping.
package runset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/daqkit/daqctl/pkg/component"
)

// Link is one resolved connection: an input connector bound to the component
// that declared it. The output-side component holding the link connects to
// this endpoint.
type Link struct {
	Comp *component.Handle
	Conn component.Connector
}

// Wire flattens the link into the connect call's payload form.
func (l Link) Wire() component.Connection {
	return component.NewConnection(l.Conn, l.Comp)
}

func (l Link) String() string {
	return fmt.Sprintf("%s->%s", l.Conn.Type, l.Comp.FullName())
}

// ConnMap maps each output component's ID to the inbound endpoints it must
// be told about before the runset is considered wired.
type ConnMap map[int][]Link

// Wire returns the connect payload for every component in the map.
func (m ConnMap) Wire() map[int][]component.Connection {
	out := make(map[int][]component.Connection, len(m))
	for id, links := range m {
		conns := make([]component.Connection, 0, len(links))
		for _, l := range links {
			conns = append(conns, l.Wire())
		}
		out[id] = conns
	}
	return out
}

// connTypeEntry buckets every declaration of one connector type name.
type connTypeEntry struct {
	typ        string
	inputs     []Link
	optInputs  []Link
	outputs    []*component.Handle
	optOutputs []*component.Handle
}

func (e *connTypeEntry) add(conn component.Connector, comp *component.Handle) {
	if conn.IsInput() {
		l := Link{Comp: comp, Conn: conn}
		if conn.Optional {
			e.optInputs = append(e.optInputs, l)
		} else {
			e.inputs = append(e.inputs, l)
		}
		return
	}
	if conn.Optional {
		e.optOutputs = append(e.optOutputs, comp)
	} else {
		e.outputs = append(e.outputs, comp)
	}
}

// resolve enters this type's connections into connMap, enforcing the
// exactly-one-side-has-cardinality-one rule.
func (e *connTypeEntry) resolve(connMap ConnMap) error {
	numIn := len(e.inputs) + len(e.optInputs)
	numOut := len(e.outputs) + len(e.optOutputs)
	if numIn == 0 && numOut == 0 {
		return nil
	}
	if numIn == 0 {
		if numOut == len(e.optOutputs) {
			// Only optional outputs went unmatched; nothing needed.
			return nil
		}
		return errors.Errorf("No inputs found for %s outputs (%s)", e.typ, component.Names(e.allOutputs()))
	}
	if numOut == 0 {
		if numIn == len(e.optInputs) {
			return nil
		}
		return errors.Errorf("No outputs found for %s inputs (%s)", e.typ, component.Names(e.inputComps()))
	}
	if numIn > 1 && numOut > 1 {
		return errors.Errorf("Found %d %s inputs for %d outputs", numIn, e.typ, numOut)
	}

	if numIn == 1 {
		// One input endpoint, broadcast to every output component.
		links := e.inputs
		if len(links) == 0 {
			links = e.optInputs
		}
		for _, out := range e.allOutputs() {
			connMap[out.ID()] = append(connMap[out.ID()], links[0])
		}
		return nil
	}

	// One output component, told about every input endpoint.
	out := e.allOutputs()[0]
	links := append(append([]Link{}, e.inputs...), e.optInputs...)
	sort.Slice(links, func(i, j int) bool { return links[i].Comp.ID() < links[j].Comp.ID() })
	connMap[out.ID()] = append(connMap[out.ID()], links...)
	return nil
}

func (e *connTypeEntry) allOutputs() []*component.Handle {
	return append(append([]*component.Handle{}, e.outputs...), e.optOutputs...)
}

func (e *connTypeEntry) inputComps() []*component.Handle {
	comps := make([]*component.Handle, 0, len(e.inputs)+len(e.optInputs))
	for _, l := range e.inputs {
		comps = append(comps, l.Comp)
	}
	for _, l := range e.optInputs {
		comps = append(comps, l.Comp)
	}
	return comps
}

// BuildConnectionMap resolves every connector declared across comps into a
// per-component inbound connection list. Resolution fails when a required
// connector type has no opposite side or both sides fan out.
func BuildConnectionMap(comps []*component.Handle) (ConnMap, error) {
	entries := make(map[string]*connTypeEntry)
	for _, comp := range comps {
		for _, conn := range comp.Connectors() {
			e, ok := entries[conn.Type]
			if !ok {
				e = &connTypeEntry{typ: conn.Type}
				entries[conn.Type] = e
			}
			e.add(conn, comp)
		}
	}

	types := make([]string, 0, len(entries))
	for typ := range entries {
		types = append(types, typ)
	}
	sort.Strings(types)

	connMap := make(ConnMap)
	for _, typ := range types {
		if err := entries[typ].resolve(connMap); err != nil {
			return nil, err
		}
	}
	return connMap, nil
}

// AssignOrder walks the connection map breadth-first from every source and
// stamps each component with its level, the total ordering used to sequence
// start and stop. The first stamp wins, so readout-request links back into
// the hubs cannot spin the walk. Components unreachable from any source
// fail the build.
func AssignOrder(comps []*component.Handle, connMap ConnMap, logger log.Logger) error {
	remaining := make(map[int]*component.Handle, len(comps))
	var curLevel []*component.Handle
	for _, comp := range comps {
		comp.SetOrder(0)
		remaining[comp.ID()] = comp
		if comp.IsSource() {
			curLevel = append(curLevel, comp)
		}
	}
	if len(curLevel) == 0 {
		return errors.New("No sources found")
	}

	for level := 1; len(remaining) > 0 && len(curLevel) > 0 && level < len(comps)+2; level++ {
		next := make(map[int]*component.Handle)
		for _, comp := range curLevel {
			if _, ok := remaining[comp.ID()]; !ok {
				continue
			}
			delete(remaining, comp.ID())
			comp.SetOrder(level * 10)
			for _, l := range connMap[comp.ID()] {
				// Hub readout links into the event builder do not
				// impose ordering; it gets its place from the trigger
				// chain instead.
				if comp.IsSource() && l.Comp.Name() == EventBuilderName {
					continue
				}
				next[l.Comp.ID()] = l.Comp
			}
		}
		curLevel = sortedHandles(next)
	}

	if len(remaining) > 0 {
		unordered := sortedHandles(remaining)
		var desc []string
		for _, comp := range unordered {
			desc = append(desc, fmt.Sprintf("%s(%s)", comp.FullName(), describeConnectors(comp)))
		}
		level.Error(logger).Log("msg", "Unordered: "+strings.Join(desc, ", "))
		return errors.Errorf("No order set for %s", component.Names(unordered))
	}
	return nil
}

func sortedHandles(m map[int]*component.Handle) []*component.Handle {
	out := make([]*component.Handle, 0, len(m))
	for _, comp := range m {
		out = append(out, comp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func describeConnectors(comp *component.Handle) string {
	strs := make([]string, 0, len(comp.Connectors()))
	for _, conn := range comp.Connectors() {
		strs = append(strs, conn.String())
	}
	return strings.Join(strs, " ")
}

// startSets is the fixed group split used to sequence start, stop and
// switch: sources together, middle components by descending order, builders
// last. Derived once per build, never recomputed mid-run.
type startSets struct {
	sources  []*component.Handle
	middle   []*component.Handle
	builders []*component.Handle
}

// buildStartSets splits comps by role, failing on any unordered component.
func buildStartSets(comps []*component.Handle) (*startSets, error) {
	sets := &startSets{}
	var unordered []*component.Handle
	for _, comp := range comps {
		if comp.Order() == 0 {
			unordered = append(unordered, comp)
			continue
		}
		switch {
		case comp.IsSource():
			sets.sources = append(sets.sources, comp)
		case comp.IsBuilder():
			sets.builders = append(sets.builders, comp)
		default:
			sets.middle = append(sets.middle, comp)
		}
	}
	if len(unordered) > 0 {
		sort.Slice(unordered, func(i, j int) bool { return unordered[i].ID() < unordered[j].ID() })
		return nil, errors.Errorf("No order set for %s", component.Names(unordered))
	}
	component.SortByOrder(sets.sources)
	component.SortByOrder(sets.middle)
	component.SortByOrder(sets.builders)
	return sets, nil
}

// nonHubs returns the components started before the sources: builders first
// so every downstream consumer is live before data can flow.
func (s *startSets) nonHubs() []*component.Handle {
	return append(append([]*component.Handle{}, s.builders...), s.middle...)
}

// stopOrder returns the non-source components in drain order, upstream
// stages before the builders that consume them.
func (s *startSets) stopOrder() []*component.Handle {
	out := append(append([]*component.Handle{}, s.middle...), s.builders...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order() != out[j].Order() {
			return out[i].Order() < out[j].Order()
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
