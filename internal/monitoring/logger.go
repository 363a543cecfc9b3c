// Package monitoring holds the process-wide diagnostic log streams.
//
// There are three streams: ops for actionable warnings and lifecycle
// events, diag for tuning context (lock changes, attack protection, mode
// switches) and trace for per-frame and per-tick telemetry. Each stream
// defaults to disabled except ops, which goes to the standard logger.
package monitoring

import (
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   = newLogger(os.Stderr)
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger(w.Ops)
	diagLogger = newLogger(w.Diag)
	traceLogger = newLogger(w.Trace)
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "[trackpoint] ", log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (actuator failures, reload errors, lifecycle).
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (lock switches, protection state, tuning context).
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (high-frequency frame/tick telemetry).
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Sampler admits one in every N events. It is used at logging call sites
// on hot paths so that a 1 kHz loop does not flood the trace stream.
// The zero value admits every event.
type Sampler struct {
	every uint64
	count atomic.Uint64
}

// NewSampler returns a Sampler admitting the first event and then every nth.
func NewSampler(n int) *Sampler {
	if n < 1 {
		n = 1
	}
	return &Sampler{every: uint64(n)}
}

// Allow reports whether the current event should be logged.
func (s *Sampler) Allow() bool {
	if s == nil || s.every <= 1 {
		return true
	}
	return (s.count.Add(1)-1)%s.every == 0
}
