package device

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// Snapshot is one immutable registry plus the advertised address and the
// advisory boot counter.
type Snapshot struct {
	ip      string
	devices []*Record
	byID    map[string]*Record
	byPort  map[int]*Record
	bootID  int64
}

// Build validates the configuration and produces a new Snapshot. It does no I/O.
func Build(ip string, configs []Config, idFunc IDFunc) (*Snapshot, error) {
	if idFunc == nil {
		idFunc = NameID
	}
	s := &Snapshot{
		ip:      ip,
		devices: make([]*Record, 0, len(configs)),
		byID:    make(map[string]*Record, len(configs)),
		byPort:  make(map[int]*Record, len(configs)),
		bootID:  1,
	}
	for i, c := range configs {
		if c.Name == "" {
			return nil, invalid("device %d has an empty name", i)
		}
		if c.Port < 1 || c.Port > 65535 {
			return nil, invalid("device %q has port %d outside 1-65535", c.Name, c.Port)
		}
		id := idFunc(c.Name)
		if id == "" {
			return nil, invalid("device %q produced an empty id", c.Name)
		}
		if other, ok := s.byID[id]; ok {
			return nil, invalid("device %q and %q share id %s", other.Name, c.Name, id)
		}
		// requests are matched to devices by the port they arrive on
		if other, ok := s.byPort[c.Port]; ok {
			return nil, invalid("device %q and %q share port %d", other.Name, c.Name, c.Port)
		}
		r := &Record{ID: id, Name: c.Name, Port: c.Port, Switcher: c.Switcher, Querier: c.Querier}
		s.devices = append(s.devices, r)
		s.byID[id] = r
		s.byPort[c.Port] = r
	}
	return s, nil
}

func (s *Snapshot) IP() string { return s.ip }

func (s *Snapshot) Len() int { return len(s.devices) }

// Devices returns the records in configuration order.
func (s *Snapshot) Devices() []*Record {
	out := make([]*Record, len(s.devices))
	copy(out, s.devices)
	return out
}

func (s *Snapshot) Lookup(id string) (*Record, error) {
	if r, ok := s.byID[id]; ok {
		return r, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "device %s", id)
}

func (s *Snapshot) ByPort(port int) (*Record, error) {
	if r, ok := s.byPort[port]; ok {
		return r, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "no device on port %d", port)
}

// Ports returns the distinct ports in configuration order.
func (s *Snapshot) Ports() []int {
	ports := make([]int, 0, len(s.devices))
	for _, r := range s.devices {
		ports = append(ports, r.Port)
	}
	return ports
}

func (s *Snapshot) BootID() int64 {
	return atomic.LoadInt64(&s.bootID)
}

// NextBootID increments the boot counter and returns the new value.
func (s *Snapshot) NextBootID() int64 {
	return atomic.AddInt64(&s.bootID, 1)
}
