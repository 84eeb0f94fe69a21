// Package component holds the orchestrator's view of a single DAQ component:
// a lightweight handle around a remote client, plus the connector model used
// to wire components together. The orchestrator never owns the component
// process, only its membership in the current runset.
package component

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/atomic"
)

// Handle identifies one remote component and caches the attributes the
// orchestrator needs: its declared connectors, its start/stop ordering key,
// and whether it is a data source or an event builder. Identity for map
// keys throughout the control plane is the registry-assigned ID, never the
// handle pointer.
type Handle struct {
	id         int
	name       string
	num        int
	host       string
	connectors []Connector
	source     bool
	builder    bool
	client     Client

	// order is assigned once per runset build; 0 means unordered.
	order atomic.Int32
}

// NewHandle builds a handle for a registered component. A component is a
// source when it is a hub or declares no input connectors at all, and a
// builder when its name says so.
func NewHandle(id int, name string, num int, host string, connectors []Connector, client Client) *Handle {
	lower := strings.ToLower(name)
	source := strings.Contains(lower, "hub")
	if !source {
		source = true
		for _, c := range connectors {
			if c.IsInput() {
				source = false
				break
			}
		}
	}
	return &Handle{
		id:         id,
		name:       name,
		num:        num,
		host:       host,
		connectors: connectors,
		source:     source,
		// "builder" anywhere in the name: catches both eventBuilder and
		// the plural secondaryBuilders.
		builder: strings.Contains(lower, "builder"),
		client:  client,
	}
}

func (h *Handle) ID() int      { return h.id }
func (h *Handle) Name() string { return h.name }
func (h *Handle) Num() int     { return h.num }
func (h *Handle) Host() string { return h.host }

// FullName is the operator-facing spelling. Singleton components print
// their bare name; hubs always carry their instance number.
func (h *Handle) FullName() string {
	if h.num == 0 && !strings.HasSuffix(strings.ToLower(h.name), "hub") {
		return h.name
	}
	return fmt.Sprintf("%s#%d", h.name, h.num)
}

func (h *Handle) String() string { return h.FullName() }

// Matches reports whether the handle is the named component instance.
func (h *Handle) Matches(name string, num int) bool {
	return h.name == name && h.num == num
}

// Connectors returns the declared connector list.
func (h *Handle) Connectors() []Connector { return h.connectors }

// IsSource reports whether the component produces data (a hub).
func (h *Handle) IsSource() bool { return h.source }

// IsBuilder reports whether the component is an event-terminal sink.
func (h *Handle) IsBuilder() bool { return h.builder }

// Client returns the remote operation set.
func (h *Handle) Client() Client { return h.client }

// Order returns the build-time ordering key, 0 if none was assigned.
func (h *Handle) Order() int { return int(h.order.Load()) }

// SetOrder records the ordering key computed at runset build time.
func (h *Handle) SetOrder(order int) { h.order.Store(int32(order)) }

// SortByOrder sorts handles by descending order, components of equal order
// by ID, so group membership is deterministic for a given graph.
func SortByOrder(comps []*Handle) {
	sort.Slice(comps, func(i, j int) bool {
		if comps[i].Order() != comps[j].Order() {
			return comps[i].Order() > comps[j].Order()
		}
		return comps[i].ID() < comps[j].ID()
	})
}

// Names formats a handle list for operator log lines.
func Names(comps []*Handle) string {
	names := make([]string, 0, len(comps))
	for _, c := range comps {
		names = append(names, c.FullName())
	}
	return strings.Join(names, ", ")
}
