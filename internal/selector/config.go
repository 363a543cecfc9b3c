package selector

import (
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
)

// Config holds the tracker tuning parameters.
type Config struct {
	DistanceWeight   float64 // weight of proximity vs confidence in the score [0,1]
	IDBucketSize     float64 // spatial hash bucket edge (px)
	IdentityDistance float64 // max drift from the last point for a lock match (px)
	MinLockFrames    int     // frames a lock is held before a switch is considered
	SwitchThreshold  float64 // score margin required to switch
	MaxLostFrames    int     // empty frames tolerated before forgetting the lock

	LockBonus              float64
	CombatLockBonus        float64
	CombatModeFrames       int
	CombatSwitchMultiplier float64
	AttackSwitchMultiplier float64

	ConfidenceHistorySize      int
	ConfidenceDropThreshold    float64 // fractional drop below the median baseline
	AttackWindow               int     // trailing frames averaged for drop detection
	AttackTriggerFrames        int
	ConfidenceFloorRatio       float64
	CombatConfidenceFloorRatio float64

	SmoothingAlpha      float64
	PredictionEnabled   bool
	AccelerationEnabled bool
	PredictDelaySeconds float64
	VelocitySmoothing   float64
	MaxVelocity         float64 // px/s; faster samples are treated as glitches
	MaxPredictGap       time.Duration
}

// DefaultConfig returns the tracker configuration with every default applied.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		DistanceWeight:             cfg.GetDistanceWeight(),
		IDBucketSize:               cfg.GetIDBucketSize(),
		IdentityDistance:           cfg.GetIdentityDistance(),
		MinLockFrames:              cfg.GetMinLockFrames(),
		SwitchThreshold:            cfg.GetSwitchThreshold(),
		MaxLostFrames:              cfg.GetMaxLostFrames(),
		LockBonus:                  cfg.GetLockBonus(),
		CombatLockBonus:            cfg.GetCombatLockBonus(),
		CombatModeFrames:           cfg.GetCombatModeFrames(),
		CombatSwitchMultiplier:     cfg.GetCombatSwitchMultiplier(),
		AttackSwitchMultiplier:     cfg.GetAttackSwitchMultiplier(),
		ConfidenceHistorySize:      cfg.GetConfidenceHistorySize(),
		ConfidenceDropThreshold:    cfg.GetConfidenceDropThreshold(),
		AttackWindow:               cfg.GetAttackWindow(),
		AttackTriggerFrames:        cfg.GetAttackTriggerFrames(),
		ConfidenceFloorRatio:       cfg.GetConfidenceFloorRatio(),
		CombatConfidenceFloorRatio: cfg.GetCombatConfidenceFloorRatio(),
		SmoothingAlpha:             cfg.GetSmoothingAlpha(),
		PredictionEnabled:          cfg.GetPredictionEnabled(),
		AccelerationEnabled:        cfg.GetAccelerationEnabled(),
		PredictDelaySeconds:        cfg.GetPredictDelaySeconds(),
		VelocitySmoothing:          cfg.GetVelocitySmoothing(),
		MaxVelocity:                cfg.GetMaxVelocity(),
		MaxPredictGap:              cfg.GetMaxPredictGap(),
	}
}
