package natsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mlctrez/fauxmo/device"
	"github.com/nats-io/go-nats"
)

// SetRequest is published when a hub switches a device.
type SetRequest struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Action device.Action `json:"action"`
}

func SetSubject(id string) string {
	return fmt.Sprintf("fauxmo.device.%s.set", id)
}

func StateSubject(id string) string {
	return fmt.Sprintf("fauxmo.device.%s.state", id)
}

// Switcher forwards switch actions for one device to the bus.
func (n *NatsServer) Switcher(id string) device.Switcher {
	return device.SwitchFunc(func(_ context.Context, action device.Action, name string) error {
		return n.Publish(SetSubject(id), &SetRequest{ID: id, Name: name, Action: action})
	})
}

// Querier asks whoever answers on the device state subject. A reply may be
// on/off, true/false or 1/0. No reply within timeout means no opinion.
func (n *NatsServer) Querier(id string, timeout time.Duration) device.Querier {
	return device.QueryFunc(func(ctx context.Context, identity device.Identity) (device.State, error) {
		data, err := json.Marshal(identity)
		if err != nil {
			return device.StateUnknown, err
		}
		wait := timeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		msg, err := n.conn.Request(StateSubject(id), data, wait)
		if err == nats.ErrTimeout {
			return device.StateUnknown, nil
		}
		if err != nil {
			return device.StateUnknown, err
		}
		return device.ParseState(msg.Data), nil
	})
}
