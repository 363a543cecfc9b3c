package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackpoint/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSubscribeAndSwap(t *testing.T) {
	store := NewStore(nil)
	assert.Equal(t, 2.0, store.Current().GetDeadZone())

	var seen []float64
	store.Subscribe(func(c *TuningConfig) { seen = append(seen, c.GetDeadZone()) })
	require.Equal(t, []float64{2.0}, seen, "subscriber gets the current snapshot immediately")

	dz := 4.0
	require.NoError(t, store.Swap(&TuningConfig{DeadZone: &dz}))
	assert.Equal(t, []float64{2.0, 4.0}, seen)
	assert.Equal(t, uint64(1), store.Generation())
	assert.Equal(t, 4.0, store.Current().GetDeadZone())
}

func TestStoreSubscribeRacingSwap(t *testing.T) {
	for round := 0; round < 20; round++ {
		store := NewStore(nil)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 1; n <= 50; n++ {
				kp := float64(n)
				assert.NoError(t, store.Swap(&TuningConfig{Kp: &kp}))
			}
		}()

		var seen []float64
		store.Subscribe(func(c *TuningConfig) { seen = append(seen, c.GetKp()) })
		wg.Wait()

		// A subscriber joining mid-reload never sees an older snapshot after a newer one.
		require.NotEmpty(t, seen)
		for i := 1; i < len(seen); i++ {
			require.Greater(t, seen[i], seen[i-1], "round %d: %v", round, seen)
		}
		assert.Equal(t, 50.0, seen[len(seen)-1])
	}
}

func TestStoreRejectsInvalidSwap(t *testing.T) {
	store := NewStore(nil)
	alpha := 3.0
	err := store.Swap(&TuningConfig{SmoothingAlpha: &alpha})
	require.Error(t, err)
	assert.Equal(t, uint64(0), store.Generation())
	assert.Equal(t, 0.6, store.Current().GetSmoothingAlpha())

	require.Error(t, store.Swap(nil))
}

func TestStoreConcurrentReaders(t *testing.T) {
	one, two := 1.0, 2.0
	store := NewStore(&TuningConfig{Kp: &one, Kd: &two})
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cfg := store.Current()
				// A snapshot is internally consistent: both values come from one swap.
				assert.Equal(t, cfg.GetKp()*2, cfg.GetKd())
			}
		}()
	}

	for n := 1; n <= 50; n++ {
		kp := float64(n)
		kd := kp * 2
		require.NoError(t, store.Swap(&TuningConfig{Kp: &kp, Kd: &kd}))
	}
	close(stop)
	wg.Wait()
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dead_zone": 3}`), 0644))

	store := NewStore(nil)
	require.NoError(t, store.Reload(path))
	clock := timeutil.NewMockClock(time.Now())
	w := NewWatcher(store, path, time.Second, clock)

	assert.False(t, w.Poll(), "unchanged file is not reloaded")

	require.NoError(t, os.WriteFile(path, []byte(`{"dead_zone": 5.5}`), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.True(t, w.Poll())
	assert.Equal(t, 5.5, store.Current().GetDeadZone())
}

func TestWatcherKeepsSnapshotOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"dead_zone": 3}`), 0644))

	store := NewStore(nil)
	require.NoError(t, store.Reload(path))
	w := NewWatcher(store, path, time.Second, timeutil.NewMockClock(time.Now()))

	require.NoError(t, os.WriteFile(path, []byte(`{"smoothing_alpha": 9}`), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.False(t, w.Poll())
	assert.Equal(t, 3.0, store.Current().GetDeadZone())
}
