package apiserver

import (
	"context"
	"log"
	"strings"

	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/devicedb"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/mlctrez/fauxmo/natsserver"
	"github.com/mlctrez/fauxmo/tmpl"
)

// Action markers are matched as plain substrings of the SOAP body. WeMo hubs
// only ever send these two fixed envelopes.
const (
	getMarker = "GetBinaryState"
	setMarker = "SetBinaryState"
	stateOn   = "<BinaryState>1</BinaryState>"
	stateOff  = "<BinaryState>0</BinaryState>"
)

// Result describes the SOAP reply. An empty Kind is a bare acknowledgement.
type Result struct {
	Kind   tmpl.Kind
	State  device.State
	Action device.Action
}

// StateChange is published whenever a device state is resolved or set.
type StateChange struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Port   int           `json:"port"`
	Action device.Action `json:"action"`
	State  device.State  `json:"state"`
}

type Dispatcher struct {
	ns     natsserver.NatsPublisher
	logger *hlog.HLog
}

func NewDispatcher(ns natsserver.NatsPublisher, logger *log.Logger) *Dispatcher {
	if ns == nil {
		ns = natsserver.NopPublisher{}
	}
	return &Dispatcher{ns: ns, logger: hlog.New(logger, "Dispatcher")}
}

// Dispatch classifies body and runs the query or command against record.
func (d *Dispatcher) Dispatch(ctx context.Context, record *device.Record, body string, cache devicedb.StateCache) Result {
	switch {
	case strings.Contains(body, getMarker):
		return Result{Kind: tmpl.Get, State: d.query(ctx, record, cache), Action: device.ActionStatus}
	case strings.Contains(body, setMarker):
		return d.set(ctx, record, body, cache)
	}
	d.logger.Println("no action in request for", record)
	return Result{}
}

func (d *Dispatcher) query(ctx context.Context, record *device.Record, cache devicedb.StateCache) device.State {
	if record.Querier != nil {
		if state := d.invokeQuerier(ctx, record); state != device.StateUnknown {
			cache.Set(record.ID, state)
			d.publish(record, device.ActionStatus, state)
			return state
		}
	}
	if state, ok := cache.Get(record.ID); ok {
		return state
	}
	return device.StateOff
}

func (d *Dispatcher) set(ctx context.Context, record *device.Record, body string, cache devicedb.StateCache) Result {
	var state device.State
	switch {
	case strings.Contains(body, stateOn):
		state = device.StateOn
	case strings.Contains(body, stateOff):
		state = device.StateOff
	}

	if state == device.StateUnknown {
		d.logger.Println("indeterminate SetBinaryState for", record)
		current, ok := cache.Get(record.ID)
		if !ok {
			current = device.StateOff
		}
		return Result{Kind: tmpl.Set, State: current, Action: device.ActionNone}
	}
	return d.Apply(ctx, record, state, cache)
}

// Apply records state for record and invokes its Switcher. It is what a
// SetBinaryState command does once the requested state is known.
func (d *Dispatcher) Apply(ctx context.Context, record *device.Record, state device.State, cache devicedb.StateCache) Result {
	action := state.Action()
	if action == device.ActionNone {
		return Result{Kind: tmpl.Set, State: device.StateOff, Action: action}
	}

	cache.Set(record.ID, state)
	d.publish(record, action, state)

	if record.Switcher == nil {
		d.logger.Println("device has no handler", record)
	} else {
		d.invokeSwitcher(ctx, record, action)
	}
	return Result{Kind: tmpl.Set, State: state, Action: action}
}

func (d *Dispatcher) invokeSwitcher(ctx context.Context, record *device.Record, action device.Action) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Println("handler panic", record, p)
		}
	}()
	if err := record.Switcher.SetState(ctx, action, record.Name); err != nil {
		d.logger.Println("handler error", record, action, err)
	}
}

func (d *Dispatcher) invokeQuerier(ctx context.Context, record *device.Record) (state device.State) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Println("state query panic", record, p)
			state = device.StateUnknown
		}
	}()
	state, err := record.Querier.QueryState(ctx, record.Identity())
	if err != nil {
		d.logger.Println("state query error", record, err)
		return device.StateUnknown
	}
	return state
}

func (d *Dispatcher) publish(record *device.Record, action device.Action, state device.State) {
	change := &StateChange{ID: record.ID, Name: record.Name, Port: record.Port, Action: action, State: state}
	if err := d.ns.Publish(natsserver.SubjectStateChange, change); err != nil {
		d.logger.Printf("Publish %s %v", natsserver.SubjectStateChange, err)
	}
}
