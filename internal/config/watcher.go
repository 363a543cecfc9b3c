package config

import (
	"context"
	"os"
	"time"

	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// Watcher polls a tuning file and reloads the Store when the file's
// modification time or size changes.
type Watcher struct {
	store    *Store
	path     string
	interval time.Duration
	clock    timeutil.Clock

	lastMod  time.Time
	lastSize int64
}

// NewWatcher creates a Watcher for path. A zero interval defaults to one
// second; a nil clock uses the real clock.
func NewWatcher(store *Store, path string, interval time.Duration, clock timeutil.Clock) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	w := &Watcher{store: store, path: path, interval: interval, clock: clock}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
		w.lastSize = info.Size()
	}
	return w
}

// Run polls until ctx is cancelled. Reload failures are logged and the
// previous snapshot is kept. Returns nil on clean shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			w.Poll()
		}
	}
}

// Poll checks the file once and reloads it if it changed. It reports
// whether a new snapshot was swapped in.
func (w *Watcher) Poll() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		monitoring.Opsf("config watcher: stat %s: %v", w.path, err)
		return false
	}
	if info.ModTime().Equal(w.lastMod) && info.Size() == w.lastSize {
		return false
	}
	w.lastMod = info.ModTime()
	w.lastSize = info.Size()

	if err := w.store.Reload(w.path); err != nil {
		monitoring.Opsf("config watcher: keeping previous tuning: %v", err)
		return false
	}
	monitoring.Diagf("config watcher: reloaded %s (generation %d)", w.path, w.store.Generation())
	return true
}
