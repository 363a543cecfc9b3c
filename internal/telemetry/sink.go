// Package telemetry records per-frame selection decisions and per-tick
// motion results.
//
// The control loops hand events to a Sink and never wait on it. Memory
// keeps events in process for tests and the simulator; Recorder persists
// them to a SQLite Store asynchronously and drops events rather than
// block when its buffer is full.
package telemetry

import (
	"sync"
	"time"
)

// Frame is one tracker decision.
type Frame struct {
	Time       time.Time
	Frame      uint64
	Candidates int
	Selected   bool
	X          float64
	Y          float64
	RawX       float64
	RawY       float64
	Confidence float64
	Score      float64
	LockID     string
	LockFrames int

	Acquired         bool
	Switched         bool
	Lost             bool
	AttackProtection bool
	CombatMode       bool
}

// Tick is one motion planner step.
type Tick struct {
	Time      time.Time
	Frame     uint64 // frame that produced the command
	Mode      string
	ErrorX    float64
	ErrorY    float64
	Distance  float64
	DX        int
	DY        int
	SubSteps  int
	Overshoot bool
	GainScale float64
	Err       string // empty when every planned send was delivered
}

// Sink receives telemetry events. Implementations must not block.
type Sink interface {
	RecordFrame(Frame)
	RecordTick(Tick)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordFrame(Frame) {}
func (Nop) RecordTick(Tick)   {}

// Memory keeps every event in memory. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	frames []Frame
	ticks  []Tick
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordFrame(f Frame) {
	m.mu.Lock()
	m.frames = append(m.frames, f)
	m.mu.Unlock()
}

func (m *Memory) RecordTick(t Tick) {
	m.mu.Lock()
	m.ticks = append(m.ticks, t)
	m.mu.Unlock()
}

// Frames returns a copy of the recorded frames.
func (m *Memory) Frames() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.frames...)
}

// Ticks returns a copy of the recorded ticks.
func (m *Memory) Ticks() []Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Tick(nil), m.ticks...)
}

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) RecordFrame(f Frame) {
	for _, s := range t {
		s.RecordFrame(f)
	}
}

func (t Tee) RecordTick(tk Tick) {
	for _, s := range t {
		s.RecordTick(tk)
	}
}
