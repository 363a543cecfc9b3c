package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// AimBand selects aim ratios by bounding-box height. Bands are checked in
// order and the first band whose MinHeight the box height exceeds wins.
type AimBand struct {
	MinHeight    float64 `json:"min_height"`
	YRatio       float64 `json:"y_ratio"`
	XOffsetRatio float64 `json:"x_offset_ratio"`
}

// PIDBand scales the base Kp/Kd for error magnitudes below MaxError.
// A MaxError of zero marks the catch-all band and must come last.
type PIDBand struct {
	MaxError float64 `json:"max_error"`
	KpScale  float64 `json:"kp_scale"`
	KdScale  float64 `json:"kd_scale"`
}

// TuningConfig represents the root configuration for tuning parameters.
// Every field is optional; the Get* accessors supply defaults so partial
// files are safe. Durations are strings like "2ms".
type TuningConfig struct {
	// Aim point
	AimYRatio       *float64  `json:"aim_y_ratio,omitempty"`
	AimXOffsetRatio *float64  `json:"aim_x_offset_ratio,omitempty"`
	AimBands        []AimBand `json:"aim_bands,omitempty"`
	MinConfidence   *float64  `json:"min_confidence,omitempty"`
	TargetClassIDs  []int     `json:"target_class_ids,omitempty"`

	// Selector scoring and lock
	DistanceWeight   *float64 `json:"distance_weight,omitempty"`
	IDBucketSize     *float64 `json:"id_bucket_size,omitempty"`
	IdentityDistance *float64 `json:"identity_distance,omitempty"`
	MinLockFrames    *int     `json:"min_lock_frames,omitempty"`
	SwitchThreshold  *float64 `json:"switch_threshold,omitempty"`
	MaxLostFrames    *int     `json:"max_lost_frames,omitempty"`
	LockBonus        *float64 `json:"lock_bonus,omitempty"`
	CombatLockBonus  *float64 `json:"combat_lock_bonus,omitempty"`
	CombatModeFrames *int     `json:"combat_mode_frames,omitempty"`

	CombatSwitchMultiplier *float64 `json:"combat_switch_multiplier,omitempty"`
	AttackSwitchMultiplier *float64 `json:"attack_switch_multiplier,omitempty"`

	// Confidence-attack protection
	ConfidenceHistorySize      *int     `json:"confidence_history_size,omitempty"`
	ConfidenceDropThreshold    *float64 `json:"confidence_drop_threshold,omitempty"`
	AttackWindow               *int     `json:"attack_window,omitempty"`
	AttackTriggerFrames        *int     `json:"attack_trigger_frames,omitempty"`
	ConfidenceFloorRatio       *float64 `json:"confidence_floor_ratio,omitempty"`
	CombatConfidenceFloorRatio *float64 `json:"combat_confidence_floor_ratio,omitempty"`

	// Smoothing and prediction
	SmoothingAlpha      *float64 `json:"smoothing_alpha,omitempty"`
	PredictionEnabled   *bool    `json:"prediction_enabled,omitempty"`
	AccelerationEnabled *bool    `json:"acceleration_enabled,omitempty"`
	PredictDelaySeconds *float64 `json:"predict_delay_seconds,omitempty"`
	VelocitySmoothing   *float64 `json:"velocity_smoothing,omitempty"`
	MaxVelocity         *float64 `json:"max_velocity,omitempty"` // px/s
	MaxPredictGap       *string  `json:"max_predict_gap,omitempty"`

	// Motion planner
	DeadZone        *float64 `json:"dead_zone,omitempty"`
	HybridThreshold *float64 `json:"hybrid_threshold,omitempty"`
	FarGain         *float64 `json:"far_gain,omitempty"`
	FarMaxStep      *float64 `json:"far_max_step,omitempty"`
	NearFieldBuffer *float64 `json:"near_field_buffer,omitempty"`
	NearMaxMove     *float64 `json:"near_max_move,omitempty"`
	MaxSubSteps     *int     `json:"max_sub_steps,omitempty"`
	SubStepDistance *float64 `json:"sub_step_distance,omitempty"`
	StepDelay       *string  `json:"step_delay,omitempty"`
	OvershootMargin *float64 `json:"overshoot_margin,omitempty"`
	AxisGate        *bool    `json:"axis_gate,omitempty"`

	// Adaptive PID
	Kp                 *float64  `json:"kp,omitempty"`
	Ki                 *float64  `json:"ki,omitempty"`
	Kd                 *float64  `json:"kd,omitempty"`
	PIDBands           []PIDBand `json:"pid_bands,omitempty"`
	IntegralLimit      *float64  `json:"integral_limit,omitempty"`
	OutputLimit        *float64  `json:"output_limit,omitempty"`
	DerivativeLimit    *float64  `json:"derivative_limit,omitempty"`
	DerivativeDeadband *float64  `json:"derivative_deadband,omitempty"`
	DTermRatio         *float64  `json:"d_term_ratio,omitempty"`
	DerivativeWindow   *int      `json:"derivative_window,omitempty"`
	DTWindow           *int      `json:"dt_window,omitempty"`
	NominalDT          *string   `json:"nominal_dt,omitempty"`
	MaxDT              *string   `json:"max_dt,omitempty"`
	OvershootReduction *float64  `json:"overshoot_reduction,omitempty"`
	OvershootRecovery  *float64  `json:"overshoot_recovery,omitempty"`
	MinGainScale       *float64  `json:"min_gain_scale,omitempty"`

	// Worker and pipeline
	QueuePollTimeout       *string  `json:"queue_poll_timeout,omitempty"`
	ChaseTarget            *bool    `json:"chase_target,omitempty"`
	CommandUpdateThreshold *float64 `json:"command_update_threshold,omitempty"`

	// Arrival gate: stop offering commands once the aim has settled on
	// the target, until the target moves away again.
	ArrivalGate           *bool    `json:"arrival_gate,omitempty"`
	ArrivalEnter          *float64 `json:"arrival_enter,omitempty"` // px
	ArrivalExit           *float64 `json:"arrival_exit,omitempty"`  // px
	ArrivalStableFrames   *int     `json:"arrival_stable_frames,omitempty"`
	ArrivalCooldown       *string  `json:"arrival_cooldown,omitempty"`
	ArrivalDriftThreshold *float64 `json:"arrival_drift_threshold,omitempty"` // px
	MinSendInterval       *string  `json:"min_send_interval,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset, so every
// accessor reports its default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file retain their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseTuningConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseTuningConfig decodes and validates a JSON tuning document.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable by the control core.
func (c *TuningConfig) Validate() error {
	unit := map[string]*float64{
		"aim_y_ratio":                   c.AimYRatio,
		"min_confidence":                c.MinConfidence,
		"distance_weight":               c.DistanceWeight,
		"confidence_drop_threshold":     c.ConfidenceDropThreshold,
		"confidence_floor_ratio":        c.ConfidenceFloorRatio,
		"combat_confidence_floor_ratio": c.CombatConfidenceFloorRatio,
		"smoothing_alpha":               c.SmoothingAlpha,
		"velocity_smoothing":            c.VelocitySmoothing,
		"d_term_ratio":                  c.DTermRatio,
		"overshoot_reduction":           c.OvershootReduction,
		"overshoot_recovery":            c.OvershootRecovery,
		"min_gain_scale":                c.MinGainScale,
	}
	for name, v := range unit {
		if v != nil && (math.IsNaN(*v) || *v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	nonNegative := map[string]*float64{
		"id_bucket_size":           c.IDBucketSize,
		"identity_distance":        c.IdentityDistance,
		"switch_threshold":         c.SwitchThreshold,
		"lock_bonus":               c.LockBonus,
		"combat_lock_bonus":        c.CombatLockBonus,
		"combat_switch_multiplier": c.CombatSwitchMultiplier,
		"attack_switch_multiplier": c.AttackSwitchMultiplier,
		"predict_delay_seconds":    c.PredictDelaySeconds,
		"max_velocity":             c.MaxVelocity,
		"dead_zone":                c.DeadZone,
		"hybrid_threshold":         c.HybridThreshold,
		"far_gain":                 c.FarGain,
		"far_max_step":             c.FarMaxStep,
		"near_field_buffer":        c.NearFieldBuffer,
		"near_max_move":            c.NearMaxMove,
		"sub_step_distance":        c.SubStepDistance,
		"overshoot_margin":         c.OvershootMargin,
		"kp":                       c.Kp,
		"ki":                       c.Ki,
		"kd":                       c.Kd,
		"integral_limit":           c.IntegralLimit,
		"output_limit":             c.OutputLimit,
		"derivative_limit":         c.DerivativeLimit,
		"derivative_deadband":      c.DerivativeDeadband,
		"command_update_threshold": c.CommandUpdateThreshold,
		"arrival_enter":            c.ArrivalEnter,
		"arrival_exit":             c.ArrivalExit,
		"arrival_drift_threshold":  c.ArrivalDriftThreshold,
	}
	for name, v := range nonNegative {
		if v != nil && (math.IsNaN(*v) || *v < 0) {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}

	positive := map[string]*int{
		"confidence_history_size": c.ConfidenceHistorySize,
		"attack_window":           c.AttackWindow,
		"attack_trigger_frames":   c.AttackTriggerFrames,
		"max_sub_steps":           c.MaxSubSteps,
		"derivative_window":       c.DerivativeWindow,
		"dt_window":               c.DTWindow,
	}
	for name, v := range positive {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	counts := map[string]*int{
		"min_lock_frames":       c.MinLockFrames,
		"max_lost_frames":       c.MaxLostFrames,
		"combat_mode_frames":    c.CombatModeFrames,
		"arrival_stable_frames": c.ArrivalStableFrames,
	}
	for name, v := range counts {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	durations := map[string]*string{
		"max_predict_gap":    c.MaxPredictGap,
		"step_delay":         c.StepDelay,
		"nominal_dt":         c.NominalDT,
		"max_dt":             c.MaxDT,
		"queue_poll_timeout": c.QueuePollTimeout,
		"arrival_cooldown":   c.ArrivalCooldown,
		"min_send_interval":  c.MinSendInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.ArrivalEnter != nil && c.ArrivalExit != nil && *c.ArrivalEnter > *c.ArrivalExit {
		return fmt.Errorf("arrival_enter (%f) must not exceed arrival_exit (%f)", *c.ArrivalEnter, *c.ArrivalExit)
	}

	if c.HybridThreshold != nil && c.NearFieldBuffer != nil && *c.NearFieldBuffer > *c.HybridThreshold {
		return fmt.Errorf("near_field_buffer (%f) must not exceed hybrid_threshold (%f)", *c.NearFieldBuffer, *c.HybridThreshold)
	}

	for i, b := range c.PIDBands {
		if b.MaxError < 0 || b.KpScale < 0 || b.KdScale < 0 {
			return fmt.Errorf("pid_bands[%d] values must be non-negative", i)
		}
		if b.MaxError == 0 && i != len(c.PIDBands)-1 {
			return fmt.Errorf("pid_bands[%d]: catch-all band (max_error 0) must be last", i)
		}
		if i > 0 && b.MaxError != 0 && b.MaxError <= c.PIDBands[i-1].MaxError {
			return fmt.Errorf("pid_bands must be ordered by increasing max_error (index %d)", i)
		}
	}
	for i, b := range c.AimBands {
		if b.MinHeight < 0 {
			return fmt.Errorf("aim_bands[%d].min_height must be non-negative", i)
		}
		if i > 0 && b.MinHeight >= c.AimBands[i-1].MinHeight {
			return fmt.Errorf("aim_bands must be ordered by decreasing min_height (index %d)", i)
		}
	}

	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// getDuration parses a duration string, falling back to def when unset or invalid.
func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// GetAimYRatio returns the vertical aim ratio within the box (0 = top).
func (c *TuningConfig) GetAimYRatio() float64 { return getFloat(c.AimYRatio, 0.45) }

// GetAimXOffsetRatio returns the horizontal aim ratio within the box (0.5 = centre).
func (c *TuningConfig) GetAimXOffsetRatio() float64 { return getFloat(c.AimXOffsetRatio, 0.5) }

// GetAimBands returns the height-banded aim ratios, or nil when unset.
func (c *TuningConfig) GetAimBands() []AimBand {
	if len(c.AimBands) == 0 {
		return nil
	}
	out := make([]AimBand, len(c.AimBands))
	copy(out, c.AimBands)
	return out
}

// GetMinConfidence returns the detection confidence floor.
func (c *TuningConfig) GetMinConfidence() float64 { return getFloat(c.MinConfidence, 0.55) }

// GetTargetClassIDs returns the class allow-list; nil accepts every class.
func (c *TuningConfig) GetTargetClassIDs() []int {
	if len(c.TargetClassIDs) == 0 {
		return nil
	}
	out := make([]int, len(c.TargetClassIDs))
	copy(out, c.TargetClassIDs)
	return out
}

func (c *TuningConfig) GetDistanceWeight() float64   { return getFloat(c.DistanceWeight, 0.8) }
func (c *TuningConfig) GetIDBucketSize() float64     { return getFloat(c.IDBucketSize, 20) }
func (c *TuningConfig) GetIdentityDistance() float64 { return getFloat(c.IdentityDistance, 100) }
func (c *TuningConfig) GetMinLockFrames() int        { return getInt(c.MinLockFrames, 15) }
func (c *TuningConfig) GetSwitchThreshold() float64  { return getFloat(c.SwitchThreshold, 0.2) }
func (c *TuningConfig) GetMaxLostFrames() int        { return getInt(c.MaxLostFrames, 30) }
func (c *TuningConfig) GetLockBonus() float64        { return getFloat(c.LockBonus, 0.05) }
func (c *TuningConfig) GetCombatLockBonus() float64  { return getFloat(c.CombatLockBonus, 0.15) }
func (c *TuningConfig) GetCombatModeFrames() int     { return getInt(c.CombatModeFrames, 60) }

func (c *TuningConfig) GetCombatSwitchMultiplier() float64 {
	return getFloat(c.CombatSwitchMultiplier, 2.0)
}

func (c *TuningConfig) GetAttackSwitchMultiplier() float64 {
	return getFloat(c.AttackSwitchMultiplier, 1.5)
}

func (c *TuningConfig) GetConfidenceHistorySize() int { return getInt(c.ConfidenceHistorySize, 10) }

// GetConfidenceDropThreshold returns the fractional drop below the median
// baseline that counts as a confidence attack.
func (c *TuningConfig) GetConfidenceDropThreshold() float64 {
	return getFloat(c.ConfidenceDropThreshold, 0.3)
}

func (c *TuningConfig) GetAttackWindow() int        { return getInt(c.AttackWindow, 2) }
func (c *TuningConfig) GetAttackTriggerFrames() int { return getInt(c.AttackTriggerFrames, 1) }

func (c *TuningConfig) GetConfidenceFloorRatio() float64 {
	return getFloat(c.ConfidenceFloorRatio, 0.7)
}

func (c *TuningConfig) GetCombatConfidenceFloorRatio() float64 {
	return getFloat(c.CombatConfidenceFloorRatio, 0.85)
}

func (c *TuningConfig) GetSmoothingAlpha() float64      { return getFloat(c.SmoothingAlpha, 0.6) }
func (c *TuningConfig) GetPredictionEnabled() bool      { return getBool(c.PredictionEnabled, false) }
func (c *TuningConfig) GetAccelerationEnabled() bool    { return getBool(c.AccelerationEnabled, false) }
func (c *TuningConfig) GetPredictDelaySeconds() float64 { return getFloat(c.PredictDelaySeconds, 0.03) }
func (c *TuningConfig) GetVelocitySmoothing() float64   { return getFloat(c.VelocitySmoothing, 0.5) }
func (c *TuningConfig) GetMaxVelocity() float64         { return getFloat(c.MaxVelocity, 3000) }

// GetMaxPredictGap returns the longest frame gap over which velocity is estimated.
func (c *TuningConfig) GetMaxPredictGap() time.Duration {
	return getDuration(c.MaxPredictGap, 250*time.Millisecond)
}

func (c *TuningConfig) GetDeadZone() float64        { return getFloat(c.DeadZone, 2) }
func (c *TuningConfig) GetHybridThreshold() float64 { return getFloat(c.HybridThreshold, 40) }
func (c *TuningConfig) GetFarGain() float64         { return getFloat(c.FarGain, 0.9) }
func (c *TuningConfig) GetFarMaxStep() float64      { return getFloat(c.FarMaxStep, 60) }
func (c *TuningConfig) GetNearFieldBuffer() float64 { return getFloat(c.NearFieldBuffer, 10) }
func (c *TuningConfig) GetNearMaxMove() float64     { return getFloat(c.NearMaxMove, 20) }
func (c *TuningConfig) GetMaxSubSteps() int         { return getInt(c.MaxSubSteps, 3) }
func (c *TuningConfig) GetSubStepDistance() float64 { return getFloat(c.SubStepDistance, 10) }

// GetStepDelay returns the pause between actuator sub-steps.
func (c *TuningConfig) GetStepDelay() time.Duration {
	return getDuration(c.StepDelay, 2*time.Millisecond)
}

func (c *TuningConfig) GetOvershootMargin() float64 { return getFloat(c.OvershootMargin, 0.08) }
func (c *TuningConfig) GetAxisGate() bool           { return getBool(c.AxisGate, true) }

func (c *TuningConfig) GetKp() float64 { return getFloat(c.Kp, 0.4) }
func (c *TuningConfig) GetKi() float64 { return getFloat(c.Ki, 0) }
func (c *TuningConfig) GetKd() float64 { return getFloat(c.Kd, 0.08) }

// GetPIDBands returns the distance-banded gain table, defaulting to the
// four-band table tuned against micro-oscillation near convergence.
func (c *TuningConfig) GetPIDBands() []PIDBand {
	if len(c.PIDBands) == 0 {
		return []PIDBand{
			{MaxError: 5, KpScale: 0.2, KdScale: 1.5},
			{MaxError: 15, KpScale: 0.5, KdScale: 1.2},
			{MaxError: 40, KpScale: 1.0, KdScale: 1.0},
			{MaxError: 0, KpScale: 1.3, KdScale: 0.8},
		}
	}
	out := make([]PIDBand, len(c.PIDBands))
	copy(out, c.PIDBands)
	return out
}

func (c *TuningConfig) GetIntegralLimit() float64      { return getFloat(c.IntegralLimit, 50) }
func (c *TuningConfig) GetOutputLimit() float64        { return getFloat(c.OutputLimit, 20) }
func (c *TuningConfig) GetDerivativeLimit() float64    { return getFloat(c.DerivativeLimit, 100) }
func (c *TuningConfig) GetDerivativeDeadband() float64 { return getFloat(c.DerivativeDeadband, 30) }
func (c *TuningConfig) GetDTermRatio() float64         { return getFloat(c.DTermRatio, 0.5) }
func (c *TuningConfig) GetDerivativeWindow() int       { return getInt(c.DerivativeWindow, 3) }
func (c *TuningConfig) GetDTWindow() int               { return getInt(c.DTWindow, 5) }

func (c *TuningConfig) GetNominalDT() time.Duration {
	return getDuration(c.NominalDT, 16*time.Millisecond)
}

func (c *TuningConfig) GetMaxDT() time.Duration {
	return getDuration(c.MaxDT, 200*time.Millisecond)
}

func (c *TuningConfig) GetOvershootReduction() float64 { return getFloat(c.OvershootReduction, 0.7) }
func (c *TuningConfig) GetOvershootRecovery() float64  { return getFloat(c.OvershootRecovery, 0.05) }
func (c *TuningConfig) GetMinGainScale() float64       { return getFloat(c.MinGainScale, 0.3) }

func (c *TuningConfig) GetQueuePollTimeout() time.Duration {
	return getDuration(c.QueuePollTimeout, 10*time.Millisecond)
}

func (c *TuningConfig) GetChaseTarget() bool { return getBool(c.ChaseTarget, false) }

func (c *TuningConfig) GetCommandUpdateThreshold() float64 {
	return getFloat(c.CommandUpdateThreshold, 0)
}

func (c *TuningConfig) GetArrivalGate() bool     { return getBool(c.ArrivalGate, true) }
func (c *TuningConfig) GetArrivalEnter() float64 { return getFloat(c.ArrivalEnter, 3) }
func (c *TuningConfig) GetArrivalExit() float64  { return getFloat(c.ArrivalExit, 20) }

// GetArrivalStableFrames returns how many consecutive frames the aim must
// stay inside arrival_enter before it counts as arrived.
func (c *TuningConfig) GetArrivalStableFrames() int { return getInt(c.ArrivalStableFrames, 2) }

func (c *TuningConfig) GetArrivalCooldown() time.Duration {
	return getDuration(c.ArrivalCooldown, 50*time.Millisecond)
}

// GetArrivalDriftThreshold returns how far the target may drift from the
// last offered point while arrived before a correction is offered.
func (c *TuningConfig) GetArrivalDriftThreshold() float64 {
	return getFloat(c.ArrivalDriftThreshold, 3)
}

func (c *TuningConfig) GetMinSendInterval() time.Duration {
	return getDuration(c.MinSendInterval, 8*time.Millisecond)
}
