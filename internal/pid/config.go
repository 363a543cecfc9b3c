package pid

import (
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
)

// Band scales the base gains while |error| is below MaxError. MaxError
// zero marks the catch-all band, which must be last.
type Band struct {
	MaxError float64
	KpScale  float64
	KdScale  float64
}

// Config holds the controller tuning.
type Config struct {
	Kp    float64
	Ki    float64
	Kd    float64
	Bands []Band

	IntegralLimit      float64 // anti-windup bound on the accumulated integral
	OutputLimit        float64 // per-axis output ceiling (px)
	DerivativeLimit    float64 // error rate clamp before Kd (px/s)
	DerivativeDeadband float64 // rates below this are treated as noise (px/s)
	DTermRatio         float64 // |D| <= DTermRatio*|P| per axis
	DerivativeWindow   int
	DTWindow           int

	NominalDT time.Duration
	MaxDT     time.Duration

	OvershootReduction float64
	OvershootRecovery  float64
	MinGainScale       float64
}

// DefaultConfig returns the controller configuration with every default applied.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyTuningConfig())
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	tb := cfg.GetPIDBands()
	bands := make([]Band, len(tb))
	for i, b := range tb {
		bands[i] = Band{MaxError: b.MaxError, KpScale: b.KpScale, KdScale: b.KdScale}
	}
	return Config{
		Kp:                 cfg.GetKp(),
		Ki:                 cfg.GetKi(),
		Kd:                 cfg.GetKd(),
		Bands:              bands,
		IntegralLimit:      cfg.GetIntegralLimit(),
		OutputLimit:        cfg.GetOutputLimit(),
		DerivativeLimit:    cfg.GetDerivativeLimit(),
		DerivativeDeadband: cfg.GetDerivativeDeadband(),
		DTermRatio:         cfg.GetDTermRatio(),
		DerivativeWindow:   cfg.GetDerivativeWindow(),
		DTWindow:           cfg.GetDTWindow(),
		NominalDT:          cfg.GetNominalDT(),
		MaxDT:              cfg.GetMaxDT(),
		OvershootReduction: cfg.GetOvershootReduction(),
		OvershootRecovery:  cfg.GetOvershootRecovery(),
		MinGainScale:       cfg.GetMinGainScale(),
	}
}

// band returns the gain scales for an error magnitude. An empty table
// or a magnitude past every bounded band without a catch-all uses unit
// scales.
func (c Config) band(mag float64) (idx int, b Band) {
	for i, b := range c.Bands {
		if b.MaxError == 0 || mag < b.MaxError {
			return i, b
		}
	}
	return -1, Band{KpScale: 1, KdScale: 1}
}
