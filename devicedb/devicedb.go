package devicedb

import (
	"log"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/mlctrez/fauxmo/device"
	"github.com/mlctrez/fauxmo/hlog"
	"github.com/pkg/errors"
)

// StateCache holds the last known binary state per device id.
type StateCache interface {
	Get(id string) (device.State, bool)
	Set(id string, state device.State)
}

type memoryCache struct {
	mu     sync.RWMutex
	states map[string]device.State
}

// NewMemoryCache returns a cache that lives only as long as the generation using it.
func NewMemoryCache() StateCache {
	return &memoryCache{states: make(map[string]device.State)}
}

func (m *memoryCache) Get(id string) (device.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	return s, ok
}

func (m *memoryCache) Set(id string, state device.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = state
}

var statesBucket = []byte("binaryStates")

type DeviceDB struct {
	logger *hlog.HLog
	DB     *bolt.DB
}

func New(path string, logger *log.Logger) (db *DeviceDB, err error) {
	db = &DeviceDB{logger: hlog.New(logger, "DeviceDB")}
	options := &bolt.Options{Timeout: 5 * time.Second}
	if db.DB, err = bolt.Open(path, 0600, options); err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return
}

func (d *DeviceDB) Close() error {
	d.logger.Println("Close()")
	return d.DB.Close()
}

func (d *DeviceDB) statesUpdate(fn func(b *bolt.Bucket) error) error {
	return d.DB.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(statesBucket)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func (d *DeviceDB) GetState(id string) (state device.State, found bool, err error) {
	err = d.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(id)); v != nil {
			state = device.ParseState(v)
			found = state != device.StateUnknown
		}
		return nil
	})
	return
}

func (d *DeviceDB) PutState(id string, state device.State) error {
	return d.statesUpdate(func(b *bolt.Bucket) error {
		return b.Put([]byte(id), []byte(state.String()))
	})
}

func (d *DeviceDB) DeleteState(id string) error {
	return d.statesUpdate(func(b *bolt.Bucket) error {
		return b.Delete([]byte(id))
	})
}

// States returns every stored state keyed by device id.
func (d *DeviceDB) States() (states map[string]device.State, err error) {
	states = make(map[string]device.State)
	err = d.DB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			states[string(k)] = device.ParseState(v)
			return nil
		})
	})
	return
}

// Prune deletes the stored state of every device not in keep.
func (d *DeviceDB) Prune(keep []string) error {
	states, err := d.States()
	if err != nil {
		return err
	}
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	for id := range states {
		if kept[id] {
			continue
		}
		if err = d.DeleteState(id); err != nil {
			return err
		}
		d.logger.Println("pruned state for", id)
	}
	return nil
}

// Cache adapts the database to a StateCache that survives reloads and restarts.
func (d *DeviceDB) Cache() StateCache {
	return &boltCache{db: d}
}

type boltCache struct {
	db *DeviceDB
}

func (c *boltCache) Get(id string) (device.State, bool) {
	s, found, err := c.db.GetState(id)
	if err != nil {
		c.db.logger.Println("GetState", id, err)
		return device.StateUnknown, false
	}
	return s, found
}

func (c *boltCache) Set(id string, state device.State) {
	if err := c.db.PutState(id, state); err != nil {
		c.db.logger.Println("PutState", id, err)
	}
}
