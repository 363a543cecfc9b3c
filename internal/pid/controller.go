// Package pid implements the near-field adaptive PID controller.
//
// Gains are banded by error magnitude: small errors get a low Kp and
// heavier damping so the loop does not micro-oscillate around zero, large
// errors get a higher Kp for responsiveness. The derivative is filtered
// (trailing mean, dead band, rate clamp) and the resulting D term is held
// to a fraction of |P| so damping never overpowers or inverts the
// proportional correction.
//
// A Controller is owned by one goroutine (the motion worker). Only
// UpdateConfig may be called concurrently.
package pid

import (
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackpoint/internal/timeutil"
	"gonum.org/v1/gonum/stat"
)

// Terms reports the components of the latest Calculate call, per axis
// (index 0 is X, 1 is Y).
type Terms struct {
	Error     [2]float64
	P         [2]float64
	I         [2]float64
	D         [2]float64
	Out       [2]float64
	DT        time.Duration // filtered dt used for this call
	Band      int           // index into Config.Bands, -1 for the unit fallback
	Kp        float64       // effective Kp after band and gain scale
	Kd        float64
	GainScale float64
	First     bool // no history: derivative was forced to zero
}

// Controller is a two-axis PID with distance-banded gains.
type Controller struct {
	cfg   atomic.Pointer[Config]
	clock timeutil.Clock

	primed    bool
	lastTime  time.Time
	lastError [2]float64
	integral  [2]float64
	rates     [2][]float64
	dts       []float64
	gainScale float64

	terms Terms
}

// NewController creates a Controller. A nil clock uses the real clock.
func NewController(cfg Config, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &Controller{clock: clock, gainScale: 1}
	c.cfg.Store(&cfg)
	return c
}

// UpdateConfig swaps the tuning snapshot; it applies from the next call.
func (c *Controller) UpdateConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// Config returns the current tuning snapshot.
func (c *Controller) Config() Config {
	return *c.cfg.Load()
}

// Reset clears all integrator, derivative and timing history, and restores
// the anti-overshoot gain scale. The next Calculate behaves like the first.
func (c *Controller) Reset() {
	c.primed = false
	c.lastTime = time.Time{}
	c.lastError = [2]float64{}
	c.integral = [2]float64{}
	c.rates = [2][]float64{}
	c.dts = nil
	c.gainScale = 1
	c.terms = Terms{}
}

// Terms returns the diagnostics of the latest Calculate call.
func (c *Controller) Terms() Terms {
	return c.terms
}

// GainScale returns the current anti-overshoot multiplier on Kp.
func (c *Controller) GainScale() float64 {
	return c.gainScale
}

// ReportOvershoot feeds back whether the last movement overshot. An
// overshoot cuts the gain scale; a clean tick lets it recover toward 1.
func (c *Controller) ReportOvershoot(overshot bool) {
	cfg := c.cfg.Load()
	if overshot {
		c.gainScale = math.Max(cfg.MinGainScale, c.gainScale*cfg.OvershootReduction)
		return
	}
	c.gainScale = math.Min(1, c.gainScale+cfg.OvershootRecovery)
}

// Calculate returns the correction for the given error. Non-finite input
// yields a zero output and leaves the history untouched.
func (c *Controller) Calculate(errX, errY float64) (outX, outY float64) {
	if !finite(errX) || !finite(errY) {
		c.terms = Terms{GainScale: c.gainScale, Band: -1}
		return 0, 0
	}
	cfg := c.cfg.Load()
	now := c.clock.Now()

	first := !c.primed
	dt := c.filterDT(now, first, cfg)
	secs := dt.Seconds()

	bandIdx, band := cfg.band(math.Hypot(errX, errY))
	kp := cfg.Kp * band.KpScale * c.gainScale
	kd := cfg.Kd * band.KdScale

	t := Terms{
		Error:     [2]float64{errX, errY},
		DT:        dt,
		Band:      bandIdx,
		Kp:        kp,
		Kd:        kd,
		GainScale: c.gainScale,
		First:     first,
	}
	errs := [2]float64{errX, errY}
	for axis, e := range errs {
		p := kp * e

		c.integral[axis] = clampAbs(c.integral[axis]+e*secs, cfg.IntegralLimit)
		i := cfg.Ki * c.integral[axis]

		var d float64
		if !first {
			rate := c.filterRate(axis, (e-c.lastError[axis])/secs, cfg)
			d = clampAbs(kd*rate, cfg.DTermRatio*math.Abs(p))
		}

		out := clampAbs(p+i+d, cfg.OutputLimit)
		t.P[axis], t.I[axis], t.D[axis], t.Out[axis] = p, i, d, out
	}

	c.primed = true
	c.lastTime = now
	c.lastError = errs
	c.terms = t
	return t.Out[0], t.Out[1]
}

// filterDT measures the interval since the previous call, substitutes the
// nominal interval for the first call and for out-of-range samples, and
// returns the median of the recent window.
func (c *Controller) filterDT(now time.Time, first bool, cfg *Config) time.Duration {
	nominal := cfg.NominalDT
	if nominal <= 0 {
		nominal = 16 * time.Millisecond
	}
	dt := nominal
	if !first {
		if d := now.Sub(c.lastTime); d > 0 && (cfg.MaxDT <= 0 || d <= cfg.MaxDT) {
			dt = d
		}
	}

	n := cfg.DTWindow
	if n < 1 {
		n = 1
	}
	c.dts = appendBounded(c.dts, dt.Seconds(), n)
	sorted := append([]float64(nil), c.dts...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return time.Duration(math.Round(med * float64(time.Second)))
}

// filterRate pushes a raw error rate into the axis window and returns the
// windowed mean, dead-banded and clamped.
func (c *Controller) filterRate(axis int, rate float64, cfg *Config) float64 {
	n := cfg.DerivativeWindow
	if n < 1 {
		n = 1
	}
	c.rates[axis] = appendBounded(c.rates[axis], rate, n)
	r := stat.Mean(c.rates[axis], nil)
	if math.Abs(r) < cfg.DerivativeDeadband {
		return 0
	}
	return clampAbs(r, cfg.DerivativeLimit)
}

func appendBounded(xs []float64, v float64, n int) []float64 {
	xs = append(xs, v)
	if len(xs) > n {
		xs = xs[len(xs)-n:]
	}
	return xs
}

// clampAbs limits v to [-limit, limit]. A non-positive limit clamps to zero.
func clampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Max(-limit, math.Min(v, limit))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
