package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/satori/go.uuid.v1"
)

// Action is the token handed to a Switcher.
type Action string

const (
	ActionOn     Action = "on"
	ActionOff    Action = "off"
	ActionStatus Action = "status"
	// ActionNone marks a SetBinaryState request that carried no recognizable state.
	ActionNone Action = ""
)

// State is the tri-state result of a state query.
type State int

const (
	StateUnknown State = iota
	StateOff
	StateOn
)

// BinaryState returns the WeMo wire value, 1 for on and 0 for anything else.
func (s State) BinaryState() string {
	if s == StateOn {
		return "1"
	}
	return "0"
}

func (s State) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOff:
		return "off"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	*s = ParseState(string(b))
	return nil
}

// Action converts a known state into the matching switch action.
func (s State) Action() Action {
	switch s {
	case StateOn:
		return ActionOn
	case StateOff:
		return ActionOff
	}
	return ActionNone
}

// ParseState normalizes the conventions handlers use to report state:
// on/off tokens, booleans and 1/0 in string or integer form.
func ParseState(v interface{}) State {
	switch t := v.(type) {
	case State:
		return t
	case bool:
		if t {
			return StateOn
		}
		return StateOff
	case int:
		return parseInt(int64(t))
	case int64:
		return parseInt(t)
	case float64:
		return parseInt(int64(t))
	case []byte:
		return ParseState(string(t))
	case string:
		s := strings.ToLower(strings.Trim(strings.TrimSpace(t), `"`))
		switch s {
		case "on", "true":
			return StateOn
		case "off", "false":
			return StateOff
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return parseInt(i)
		}
	}
	return StateUnknown
}

func parseInt(i int64) State {
	switch i {
	case 1:
		return StateOn
	case 0:
		return StateOff
	}
	return StateUnknown
}

// Identity is what a Querier is told about the device being asked about.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Port int    `json:"port"`
}

// Switcher changes the state of whatever a device stands for.
type Switcher interface {
	SetState(ctx context.Context, action Action, name string) error
}

// Querier reports the current state. StateUnknown means the cached value is used.
type Querier interface {
	QueryState(ctx context.Context, id Identity) (State, error)
}

type SwitchFunc func(ctx context.Context, action Action, name string) error

func (f SwitchFunc) SetState(ctx context.Context, action Action, name string) error {
	return f(ctx, action, name)
}

type QueryFunc func(ctx context.Context, id Identity) (State, error)

func (f QueryFunc) QueryState(ctx context.Context, id Identity) (State, error) {
	return f(ctx, id)
}

// Config is one caller supplied device entry.
type Config struct {
	Name     string
	Port     int
	Switcher Switcher
	Querier  Querier
}

// Record is a registered device. Records are never changed after Build.
type Record struct {
	ID       string
	Name     string
	Port     int
	Switcher Switcher
	Querier  Querier
}

func (r *Record) Identity() Identity {
	return Identity{ID: r.ID, Name: r.Name, Port: r.Port}
}

func (r *Record) String() string {
	return fmt.Sprintf("%s(%s:%d)", r.Name, r.ID, r.Port)
}

// IDFunc derives a stable identifier from a device name.
type IDFunc func(name string) string

var namespace = uuid.NewV5(uuid.NamespaceURL, "https://github.com/mlctrez/fauxmo")

// NameID is the default IDFunc, a name based UUID so the same name always
// produces the same device on the hub.
func NameID(name string) string {
	return uuid.NewV5(namespace, name).String()
}
