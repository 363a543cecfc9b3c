package motion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// Command is the latest target handed from perception to the worker.
type Command struct {
	TargetX int
	TargetY int
	Delay   time.Duration // inter-sub-step pacing; zero uses the planner default
	Buttons ButtonFlags

	Frame  uint64 // producing frame, for telemetry
	LockID string
	Issued time.Time
}

// Mailbox is a single-slot, latest-wins handoff. Offer never blocks: a
// pending command that has not been taken yet is replaced. It is meant
// for one producer and one consumer.
type Mailbox struct {
	clock    timeutil.Clock
	slot     chan Command
	replaced atomic.Uint64
	offered  atomic.Uint64
}

// NewMailbox returns an empty Mailbox. The clock times out Take; nil uses
// the real clock.
func NewMailbox(clock timeutil.Clock) *Mailbox {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mailbox{clock: clock, slot: make(chan Command, 1)}
}

// Offer stores cmd, discarding any pending command. It reports whether a
// pending command was replaced.
func (m *Mailbox) Offer(cmd Command) (replaced bool) {
	m.offered.Add(1)
	for {
		select {
		case m.slot <- cmd:
			return replaced
		default:
		}
		select {
		case <-m.slot:
			replaced = true
			m.replaced.Add(1)
		default:
		}
	}
}

// Take waits up to timeout for a command. A non-positive timeout waits
// until one arrives or ctx is done. The timeout only bounds the wait so
// the caller can re-check its stop condition; it says nothing about how
// stale the command is.
func (m *Mailbox) Take(ctx context.Context, timeout time.Duration) (Command, bool) {
	if cmd, ok := m.TryTake(); ok {
		return cmd, true
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := m.clock.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C()
	}
	select {
	case cmd := <-m.slot:
		return cmd, true
	case <-expired:
		return Command{}, false
	case <-ctx.Done():
		return Command{}, false
	}
}

// TryTake returns the pending command without waiting.
func (m *Mailbox) TryTake() (Command, bool) {
	select {
	case cmd := <-m.slot:
		return cmd, true
	default:
		return Command{}, false
	}
}

// Pending reports whether a command is waiting.
func (m *Mailbox) Pending() bool {
	return len(m.slot) > 0
}

// Stats returns how many commands were offered and how many of those
// were superseded before being taken.
func (m *Mailbox) Stats() (offered, replaced uint64) {
	return m.offered.Load(), m.replaced.Load()
}
