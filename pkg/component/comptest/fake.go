// Package comptest provides an in-memory component.Client with scriptable
// failures, hangs and monitoring data, used by the package tests and by the
// daqsim harness.
package comptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/daqkit/daqctl/pkg/component"
)

// Fake implements component.Client without a remote process. By default
// every operation succeeds immediately and moves the fake to the natural
// target state. Tests script deviations per operation name: an injected
// error, a hang (the call blocks until Release or Close), or a refusal to
// leave the current state.
type Fake struct {
	name       string
	num        int
	connectors []component.Connector

	mtx       sync.Mutex
	state     component.State
	runNumber int
	fields    map[string]any
	firstGood int64
	lastGood  int64
	calls     []string
	links     []component.Connection

	latency time.Duration
	failOn  map[string]error
	hangOn  map[string]bool
	stuckOn map[string]bool

	released chan struct{}
	closed   bool
}

// New returns an idle fake named like a real component instance.
func New(name string, num int, connectors ...component.Connector) *Fake {
	return &Fake{
		name:       name,
		num:        num,
		connectors: connectors,
		state:      component.StateIdle,
		fields:     make(map[string]any),
		failOn:     make(map[string]error),
		hangOn:     make(map[string]bool),
		stuckOn:    make(map[string]bool),
		released:   make(chan struct{}),
	}
}

// Handle wraps the fake in a component handle under the given registry ID.
func (f *Fake) Handle(id int) *component.Handle {
	return component.NewHandle(id, f.name, f.num, "localhost", f.connectors, f)
}

// FailOn makes the named operation return err instead of acting.
func (f *Fake) FailOn(op string, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.failOn[op] = err
}

// HangOn makes the named operation block until Release or Close.
func (f *Fake) HangOn(op string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.hangOn[op] = true
}

// StickOn makes the named operation succeed without changing state, so the
// fake looks like a component that accepted the call but never acted on it.
func (f *Fake) StickOn(op string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.stuckOn[op] = true
}

// SetLatency delays every operation by d, for wall-clock harness runs.
func (f *Fake) SetLatency(d time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.latency = d
}

// SetBeanField scripts the value returned by GetSingleField(bean, field).
func (f *Fake) SetBeanField(bean, field string, v any) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.fields[bean+"."+field] = v
}

// SetState forces the current state, bypassing the normal transitions.
func (f *Fake) SetState(s component.State) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.state = s
}

// State returns the current scripted state.
func (f *Fake) State() component.State {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.state
}

// Connections returns the payload of the last connect call.
func (f *Fake) Connections() []component.Connection {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.links
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// FirstGoodTime returns the last value delivered to SetFirstGoodTime.
func (f *Fake) FirstGoodTime() int64 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.firstGood
}

// LastGoodTime returns the last value delivered to SetLastGoodTime.
func (f *Fake) LastGoodTime() int64 {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.lastGood
}

// Release unblocks every hanging call.
func (f *Fake) Release() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.closed {
		close(f.released)
		f.released = make(chan struct{})
	}
}

// begin records the call and applies the scripted behavior. It returns an
// error to surface, and false when the call should keep the current state.
func (f *Fake) begin(ctx context.Context, op string) (bool, error) {
	f.mtx.Lock()
	f.calls = append(f.calls, op)
	latency := f.latency
	failErr := f.failOn[op]
	hang := f.hangOn[op]
	stuck := f.stuckOn[op]
	released := f.released
	f.mtx.Unlock()

	if hang {
		select {
		case <-released:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if failErr != nil {
		return false, failErr
	}
	return !stuck, nil
}

func (f *Fake) transition(ctx context.Context, op string, to component.State) (component.State, error) {
	move, err := f.begin(ctx, op)
	if err != nil {
		return component.StateUnknown, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if move {
		f.state = to
	}
	return f.state, nil
}

func (f *Fake) Configure(ctx context.Context, name string) (component.State, error) {
	return f.transition(ctx, "configure", component.StateReady)
}

func (f *Fake) Connect(ctx context.Context, links []component.Connection) (component.State, error) {
	st, err := f.transition(ctx, "connect", component.StateConnected)
	if err == nil {
		f.mtx.Lock()
		f.links = links
		f.mtx.Unlock()
	}
	return st, err
}

func (f *Fake) StartRun(ctx context.Context, runNum int) (component.State, error) {
	move, err := f.begin(ctx, "startRun")
	if err != nil {
		return component.StateUnknown, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if move {
		f.state = component.StateRunning
		f.runNumber = runNum
	}
	return f.state, nil
}

func (f *Fake) StopRun(ctx context.Context) (component.State, error) {
	return f.transition(ctx, "stopRun", component.StateReady)
}

func (f *Fake) ForcedStop(ctx context.Context) (component.State, error) {
	return f.transition(ctx, "forcedStop", component.StateReady)
}

func (f *Fake) Reset(ctx context.Context) (component.State, error) {
	return f.transition(ctx, "reset", component.StateIdle)
}

func (f *Fake) GetState(ctx context.Context) (component.State, error) {
	if _, err := f.begin(ctx, "getState"); err != nil {
		return component.StateUnknown, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.state, nil
}

func (f *Fake) ListConnectors(ctx context.Context) ([]component.Connector, error) {
	if _, err := f.begin(ctx, "listConnectors"); err != nil {
		return nil, err
	}
	return f.connectors, nil
}

func (f *Fake) GetRunNumber(ctx context.Context) (int, error) {
	if _, err := f.begin(ctx, "getRunNumber"); err != nil {
		return 0, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.runNumber, nil
}

func (f *Fake) GetSingleField(ctx context.Context, bean, field string) (any, error) {
	if _, err := f.begin(ctx, "getSingleField"); err != nil {
		return nil, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	v, ok := f.fields[bean+"."+field]
	if !ok {
		return nil, fmt.Errorf("%s: no bean field %s.%s", f.name, bean, field)
	}
	return v, nil
}

func (f *Fake) SwitchToNewRun(ctx context.Context, runNum int) (component.State, error) {
	move, err := f.begin(ctx, "switchToNewRun")
	if err != nil {
		return component.StateUnknown, err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if move {
		f.state = component.StateRunning
		f.runNumber = runNum
	}
	return f.state, nil
}

func (f *Fake) SetFirstGoodTime(ctx context.Context, v int64) error {
	if _, err := f.begin(ctx, "setFirstGoodTime"); err != nil {
		return err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.firstGood = v
	return nil
}

func (f *Fake) SetLastGoodTime(ctx context.Context, v int64) error {
	if _, err := f.begin(ctx, "setLastGoodTime"); err != nil {
		return err
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.lastGood = v
	return nil
}

func (f *Fake) Close() error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if !f.closed {
		f.closed = true
		close(f.released)
	}
	return nil
}

// Closed reports whether the fake's transport was torn down.
func (f *Fake) Closed() bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.closed
}
