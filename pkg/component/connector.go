package component

import "fmt"

// Kind says which end of a link a connector is.
type Kind uint8

const (
	Input Kind = iota
	Output
)

func (k Kind) String() string {
	if k == Input {
		return "input"
	}
	return "output"
}

// Connector is one named, directional socket a component declares. Two
// components are wired together when one declares an output and the other an
// input of the same type name. Port is meaningful only for inputs; it is the
// TCP port the component listens on for that stream.
type Connector struct {
	Type     string `json:"type" yaml:"type"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// IsInput reports whether the connector accepts data.
func (c Connector) IsInput() bool { return c.Kind == Input }

func (c Connector) String() string {
	opt := ""
	if c.Optional {
		opt = "?"
	}
	if c.IsInput() {
		return fmt.Sprintf("%s%s#%d", c.Type, opt, c.Port)
	}
	return fmt.Sprintf("=>%s%s", c.Type, opt)
}

// Connection is a resolved connector bound to its owning component, in the
// form handed to the other endpoint's connect call.
type Connection struct {
	Type string `json:"type"`
	Name string `json:"compName"`
	Num  int    `json:"compNum"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewConnection binds an input connector to the component that declared it.
func NewConnection(conn Connector, comp *Handle) Connection {
	return Connection{
		Type: conn.Type,
		Name: comp.Name(),
		Num:  comp.Num(),
		Host: comp.Host(),
		Port: conn.Port,
	}
}

func (c Connection) String() string {
	return fmt.Sprintf("%s:%s#%d@%s:%d", c.Type, c.Name, c.Num, c.Host, c.Port)
}
