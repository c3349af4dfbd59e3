package fauxmo

import (
	"context"
	"log"
	"sync"

	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/devicedb"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/pkg/errors"
)

// Responder is the discovery side of a generation.
type Responder interface {
	Start(snapshot *device.Snapshot) error
	Stop()
}

// ControlServer is the http side of a generation.
type ControlServer interface {
	Start(snapshot *device.Snapshot, cache devicedb.StateCache) error
	Stop(ctx context.Context)
}

type Options struct {
	// IP is advertised in discovery LOCATION headers.
	IP     string
	IDFunc device.IDFunc
	// Cache, when set, is shared by every generation. Otherwise each
	// generation starts with an empty memory cache.
	Cache devicedb.StateCache
}

// Generation is one registry and the state cache serving it.
type Generation struct {
	Number   int
	Snapshot *device.Snapshot
	Cache    devicedb.StateCache
}

// FauxMo owns the live generation and swaps it on every Update.
type FauxMo struct {
	opts      Options
	responder Responder
	control   ControlServer
	logger    *hlog.HLog

	mu      sync.Mutex
	current *Generation
	seq     int
}

func New(opts Options, responder Responder, control ControlServer, logger *log.Logger) *FauxMo {
	return &FauxMo{
		opts:      opts,
		responder: responder,
		control:   control,
		logger:    hlog.New(logger, "FauxMo"),
	}
}

// Update replaces the device set. The old listeners are stopped before the
// new ones bind. When the new configuration is invalid or cannot bind, the
// previous generation stays live.
func (f *FauxMo) Update(ctx context.Context, configs []device.Config) error {
	snapshot, err := device.Build(f.opts.IP, configs, f.opts.IDFunc)
	if err != nil {
		f.logger.Println("Update rejected", err)
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	next := &Generation{Number: f.seq, Snapshot: snapshot, Cache: f.opts.Cache}
	if next.Cache == nil {
		next.Cache = devicedb.NewMemoryCache()
	}

	previous := f.current
	f.stopLocked(ctx)

	if err = f.startLocked(next); err != nil {
		f.logger.Println("generation", next.Number, "failed", err)
		if previous != nil {
			if restoreErr := f.startLocked(previous); restoreErr != nil {
				f.logger.Println("generation", previous.Number, "restore failed", restoreErr)
				f.current = nil
				return errors.Wrapf(err, "previous generation not restored (%v)", restoreErr)
			}
			f.current = previous
			f.logger.Println("generation", previous.Number, "restored")
		}
		return err
	}

	f.current = next
	f.logger.Println("generation", next.Number, "live with", snapshot.Len(), "devices")
	return nil
}

func (f *FauxMo) startLocked(g *Generation) error {
	if err := f.responder.Start(g.Snapshot); err != nil {
		return err
	}
	if err := f.control.Start(g.Snapshot, g.Cache); err != nil {
		f.responder.Stop()
		return err
	}
	return nil
}

// Stop unbinds everything. Stopping when nothing is live is a no-op.
func (f *FauxMo) Stop(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked(ctx)
	f.current = nil
}

func (f *FauxMo) stopLocked(ctx context.Context) {
	f.responder.Stop()
	f.control.Stop(ctx)
}

// Current returns the live generation or nil.
func (f *FauxMo) Current() *Generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Snapshot returns the live registry or nil.
func (f *FauxMo) Snapshot() *device.Snapshot {
	if g := f.Current(); g != nil {
		return g.Snapshot
	}
	return nil
}
