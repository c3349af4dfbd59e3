package devicedb

import (
	"path/filepath"
	"testing"

	"github.com/mlctrez/fauxmo/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	_, ok := c.Get("lamp")
	assert.False(t, ok)

	c.Set("lamp", device.StateOn)
	s, ok := c.Get("lamp")
	assert.True(t, ok)
	assert.Equal(t, device.StateOn, s)
}

func openDB(t *testing.T) (*DeviceDB, string) {
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := New(path, nil)
	require.NoError(t, err)
	return db, path
}

func TestDeviceDBStates(t *testing.T) {
	db, _ := openDB(t)
	defer db.Close()

	_, found, err := db.GetState("lamp")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, db.PutState("lamp", device.StateOn))
	require.NoError(t, db.PutState("fan", device.StateOff))

	states, err := db.States()
	require.NoError(t, err)
	assert.Equal(t, map[string]device.State{"lamp": device.StateOn, "fan": device.StateOff}, states)

	require.NoError(t, db.DeleteState("fan"))
	_, found, err = db.GetState("fan")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPrune(t *testing.T) {
	db, _ := openDB(t)
	defer db.Close()

	require.NoError(t, db.PutState("lamp", device.StateOn))
	require.NoError(t, db.PutState("fan", device.StateOff))
	require.NoError(t, db.PutState("heater", device.StateOn))

	require.NoError(t, db.Prune([]string{"lamp", "radio"}))

	states, err := db.States()
	require.NoError(t, err)
	assert.Equal(t, map[string]device.State{"lamp": device.StateOn}, states)
}

func TestBoltCacheSurvivesReopen(t *testing.T) {
	db, path := openDB(t)
	db.Cache().Set("lamp", device.StateOn)
	require.NoError(t, db.Close())

	db, err := New(path, nil)
	require.NoError(t, err)
	defer db.Close()

	s, ok := db.Cache().Get("lamp")
	assert.True(t, ok)
	assert.Equal(t, device.StateOn, s)
}
