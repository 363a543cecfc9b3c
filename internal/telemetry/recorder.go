package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// RecorderConfig contains configuration for a Recorder.
type RecorderConfig struct {
	// Store receives the batches.
	Store *Store
	// SessionID tags every row.
	SessionID string
	// Buffer is the event queue length (default 4096). Events arriving
	// while it is full are dropped.
	Buffer int
	// BatchSize flushes once this many events are pending (default 256).
	BatchSize int
	// FlushInterval flushes pending events at least this often (default 1s).
	FlushInterval time.Duration
	// Clock drives the flush interval. Nil uses the real clock.
	Clock timeutil.Clock
}

type event struct {
	frame *Frame
	tick  *Tick
}

// Recorder is a Sink that writes to a Store from a background goroutine.
// Record calls never block the control loops.
type Recorder struct {
	store     *Store
	sessionID string
	batchSize int

	mu      sync.RWMutex
	closed  bool
	events  chan event
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64
	lastErr atomic.Pointer[error]
}

// NewRecorder starts a Recorder. Call Close to flush and stop it.
func NewRecorder(cfg RecorderConfig) *Recorder {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 4096
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 256
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	r := &Recorder{
		store:     cfg.Store,
		sessionID: cfg.SessionID,
		batchSize: batch,
		events:    make(chan event, buffer),
		done:      make(chan struct{}),
	}
	go r.run(clock.NewTicker(interval))
	return r
}

// RecordFrame queues f.
func (r *Recorder) RecordFrame(f Frame) {
	r.enqueue(event{frame: &f})
}

// RecordTick queues t.
func (r *Recorder) RecordTick(t Tick) {
	r.enqueue(event{tick: &t})
}

func (r *Recorder) enqueue(ev event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns how many events were persisted.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Close flushes everything queued and stops the writer. It returns the
// last write error, if any. Safe to call more than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done

	if p := r.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Recorder) run(ticker timeutil.Ticker) {
	defer close(r.done)
	defer ticker.Stop()

	var (
		frames []Frame
		ticks  []Tick
	)
	flush := func() {
		if len(frames) == 0 && len(ticks) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.InsertFrames(ctx, r.sessionID, frames); err != nil {
			r.fail(err)
		} else {
			r.written.Add(uint64(len(frames)))
		}
		if err := r.store.InsertTicks(ctx, r.sessionID, ticks); err != nil {
			r.fail(err)
		} else {
			r.written.Add(uint64(len(ticks)))
		}
		frames, ticks = frames[:0], ticks[:0]
	}

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				flush()
				return
			}
			if ev.frame != nil {
				frames = append(frames, *ev.frame)
			} else {
				ticks = append(ticks, *ev.tick)
			}
			if len(frames)+len(ticks) >= r.batchSize {
				flush()
			}
		case <-ticker.C():
			flush()
		}
	}
}

func (r *Recorder) fail(err error) {
	r.lastErr.Store(&err)
	monitoring.Opsf("telemetry write failed (session %s): %v", r.sessionID, err)
}
