package component

import "context"

// Client is the remote operation set every component exposes. The transport
// behind it is out of scope here; implementations translate these calls onto
// whatever wire protocol the detector speaks. Every call observes its
// context deadline, and every state-changing call returns the component
// state reported once the operation was accepted.
type Client interface {
	Configure(ctx context.Context, name string) (State, error)
	Connect(ctx context.Context, links []Connection) (State, error)
	StartRun(ctx context.Context, runNum int) (State, error)
	StopRun(ctx context.Context) (State, error)
	ForcedStop(ctx context.Context) (State, error)
	Reset(ctx context.Context) (State, error)
	GetState(ctx context.Context) (State, error)
	ListConnectors(ctx context.Context) ([]Connector, error)
	GetRunNumber(ctx context.Context) (int, error)

	// GetSingleField reads one field of one monitoring bean, the narrow
	// window the good-time pollers and end-of-run counters look through.
	GetSingleField(ctx context.Context, bean, field string) (any, error)

	SwitchToNewRun(ctx context.Context, runNum int) (State, error)
	SetFirstGoodTime(ctx context.Context, v int64) error
	SetLastGoodTime(ctx context.Context, v int64) error

	// Close tears down the transport. Called when the registry discards a
	// dead component.
	Close() error
}
