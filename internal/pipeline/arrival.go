package pipeline

import (
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/target"
)

// ArrivalOptions configure the arrival gate, which stops offering commands
// once the aim has settled on the target and resumes when the target moves
// away. Distances are measured from the motion reference.
type ArrivalOptions struct {
	Enabled bool
	// Enter is the distance below which the aim counts as settling.
	Enter float64
	// Exit is the distance beyond which an arrived aim chases again.
	Exit float64
	// StableFrames is how many consecutive settling frames mark arrival.
	StableFrames int
	// Cooldown holds the arrived state against anything short of Exit.
	Cooldown time.Duration
	// Drift is how far the target may move from the last offered point
	// while arrived before a correction is offered.
	Drift float64
	// MinInterval is the minimum time between offers while chasing.
	MinInterval time.Duration
}

// ArrivalOptionsFromTuning builds ArrivalOptions from a loaded TuningConfig.
func ArrivalOptionsFromTuning(cfg *config.TuningConfig) ArrivalOptions {
	return ArrivalOptions{
		Enabled:      cfg.GetArrivalGate(),
		Enter:        cfg.GetArrivalEnter(),
		Exit:         cfg.GetArrivalExit(),
		StableFrames: cfg.GetArrivalStableFrames(),
		Cooldown:     cfg.GetArrivalCooldown(),
		Drift:        cfg.GetArrivalDriftThreshold(),
		MinInterval:  cfg.GetMinSendInterval(),
	}
}

// ArrivalState names the gate's phase.
type ArrivalState int

const (
	ArrivalChasing ArrivalState = iota
	ArrivalSettling
	ArrivalArrived
	ArrivalCooling
)

func (s ArrivalState) String() string {
	switch s {
	case ArrivalSettling:
		return "settling"
	case ArrivalArrived:
		return "arrived"
	case ArrivalCooling:
		return "cooling"
	default:
		return "chasing"
	}
}

// arrivalGate is owned by the perception goroutine.
type arrivalGate struct {
	stable    int
	arrived   bool
	cooling   bool
	arrivedAt time.Time

	last     target.Point
	hasLast  bool
	lastSend time.Time
	hasSent  bool
}

// allow reports whether a command toward pt should be offered given the
// current reference ref.
func (g *arrivalGate) allow(opts ArrivalOptions, pt, ref target.Point, now time.Time) bool {
	dist := pt.Dist(ref)

	if g.cooling {
		if now.Sub(g.arrivedAt) >= opts.Cooldown {
			g.cooling = false
		} else if dist > opts.Exit {
			g.cooling = false
			g.arrived = false
			g.stable = 0
		} else {
			return false
		}
	}

	if dist < opts.Enter {
		g.stable++
		if g.stable >= opts.StableFrames && !g.arrived {
			g.arrived = true
			g.cooling = true
			g.arrivedAt = now
		}
		return false
	}
	g.stable = 0

	if g.arrived {
		if dist <= opts.Exit {
			if g.hasLast && pt.Dist(g.last) > opts.Drift {
				g.last = pt
				return true
			}
			return false
		}
		g.arrived = false
	}

	if g.hasSent && now.Sub(g.lastSend) < opts.MinInterval {
		return false
	}
	g.last, g.hasLast = pt, true
	g.lastSend, g.hasSent = now, true
	return true
}

// reset returns the gate to chasing, as for a new target.
func (g *arrivalGate) reset() {
	*g = arrivalGate{}
}

func (g *arrivalGate) state() ArrivalState {
	switch {
	case g.cooling:
		return ArrivalCooling
	case g.arrived:
		return ArrivalArrived
	case g.stable > 0:
		return ArrivalSettling
	default:
		return ArrivalChasing
	}
}
