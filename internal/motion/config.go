package motion

import (
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
)

// Config holds the planner and worker tuning.
type Config struct {
	DeadZone        float64 // no movement inside this radius (px)
	HybridThreshold float64 // far field above, PID near field at or below (px)
	FarGain         float64
	FarMaxStep      float64 // far-field step magnitude ceiling (px)
	NearFieldBuffer float64 // how far into the near field one far step may land (px)
	NearMaxMove     float64 // near-field per-tick magnitude ceiling (px)
	MaxSubSteps     int
	SubStepDistance float64 // one extra sub-step per this much remaining distance (px)
	StepDelay       time.Duration
	OvershootMargin float64 // fractional excess over the distance that counts as overshoot
	AxisGate        bool

	PollTimeout time.Duration
	Chase       bool
}

// DefaultConfig returns the motion configuration with every default applied.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		DeadZone:        cfg.GetDeadZone(),
		HybridThreshold: cfg.GetHybridThreshold(),
		FarGain:         cfg.GetFarGain(),
		FarMaxStep:      cfg.GetFarMaxStep(),
		NearFieldBuffer: cfg.GetNearFieldBuffer(),
		NearMaxMove:     cfg.GetNearMaxMove(),
		MaxSubSteps:     cfg.GetMaxSubSteps(),
		SubStepDistance: cfg.GetSubStepDistance(),
		StepDelay:       cfg.GetStepDelay(),
		OvershootMargin: cfg.GetOvershootMargin(),
		AxisGate:        cfg.GetAxisGate(),
		PollTimeout:     cfg.GetQueuePollTimeout(),
		Chase:           cfg.GetChaseTarget(),
	}
}
