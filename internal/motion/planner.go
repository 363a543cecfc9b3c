package motion

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackpoint/internal/pid"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// Mode is the control regime chosen for a tick.
type Mode int

const (
	ModeIdle Mode = iota // inside the dead zone
	ModeFar              // direct proportional step
	ModeNear             // PID correction
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeFar:
		return "far"
	case ModeNear:
		return "near"
	default:
		return "unknown"
	}
}

// Plan is the regime decision for one tick. For far-field plans Step is
// the integer step that will be sent.
type Plan struct {
	Mode     Mode
	Error    target.Point
	Distance float64
	Step     target.Point
}

// StepResult reports what a Step call did.
type StepResult struct {
	Mode      Mode
	Error     target.Point
	Distance  float64
	DX        int     // total delivered on X
	DY        int     // total delivered on Y
	Moved     float64 // magnitude of the delivered move
	Planned   int     // sub-steps planned
	SubSteps  int     // sub-steps delivered
	Overshoot bool
	Err       error // first actuator error, or ctx error if interrupted
}

// Planner is the hybrid far/near motion controller. It owns its PID and
// the fractional remainder carried between sub-steps, so it must only be
// driven from one goroutine; UpdateConfig is the exception.
type Planner struct {
	cfg      atomic.Pointer[Config]
	ctrl     *pid.Controller
	actuator Actuator
	clock    timeutil.Clock

	carry    target.Point
	lastMode Mode
}

// NewPlanner creates a Planner. A nil clock uses the real clock.
func NewPlanner(cfg Config, ctrl *pid.Controller, actuator Actuator, clock timeutil.Clock) *Planner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Planner{ctrl: ctrl, actuator: actuator, clock: clock}
	p.cfg.Store(&cfg)
	return p
}

// UpdateConfig swaps the tuning snapshot; it applies from the next Step.
func (p *Planner) UpdateConfig(cfg Config) {
	p.cfg.Store(&cfg)
}

// Config returns the current tuning snapshot.
func (p *Planner) Config() Config {
	return *p.cfg.Load()
}

// Controller returns the near-field PID.
func (p *Planner) Controller() *pid.Controller {
	return p.ctrl
}

// Reset clears the PID history and the carried remainder.
func (p *Planner) Reset() {
	p.ctrl.Reset()
	p.carry = target.Point{}
	p.lastMode = ModeIdle
}

// Plan classifies the error between tgt and ref. It has no side effects.
func (p *Planner) Plan(tgt, ref target.Point) Plan {
	return planFor(*p.cfg.Load(), tgt, ref)
}

func planFor(cfg Config, tgt, ref target.Point) Plan {
	e := tgt.Sub(ref)
	pl := Plan{Error: e, Distance: e.Norm()}
	if !e.IsFinite() || pl.Distance < cfg.DeadZone {
		pl.Mode = ModeIdle
		return pl
	}
	if pl.Distance <= cfg.HybridThreshold {
		pl.Mode = ModeNear
		return pl
	}

	pl.Mode = ModeFar
	step := e.Scale(cfg.FarGain)
	// Landing no deeper than NearFieldBuffer inside the near field keeps
	// the next tick from flipping straight back to far mode.
	limit := math.Min(cfg.FarMaxStep, pl.Distance-(cfg.HybridThreshold-cfg.NearFieldBuffer))
	if n := step.Norm(); n > limit && n > 0 {
		step = step.Scale(math.Max(limit, 0) / n)
	}
	if cfg.AxisGate {
		step = gate(step, e)
	}
	pl.Step = target.Point{X: math.Trunc(step.X), Y: math.Trunc(step.Y)}
	return pl
}

// gate limits each axis of step so it cannot pass the remaining error on
// that axis or point against it.
func gate(step, err target.Point) target.Point {
	return target.Point{X: gateAxis(step.X, err.X), Y: gateAxis(step.Y, err.Y)}
}

func gateAxis(s, e float64) float64 {
	if e == 0 || math.Signbit(s) != math.Signbit(e) {
		return 0
	}
	if math.Abs(s) > math.Abs(e) {
		return e
	}
	return s
}

// Step runs one control tick toward tgt from ref. delay overrides the
// configured sub-step pacing when positive. ctx is checked between
// sub-steps; cancellation abandons the rest of the tick.
func (p *Planner) Step(ctx context.Context, tgt, ref target.Point, delay time.Duration) StepResult {
	cfg := *p.cfg.Load()
	pl := planFor(cfg, tgt, ref)
	res := StepResult{Mode: pl.Mode, Error: pl.Error, Distance: pl.Distance}

	switch pl.Mode {
	case ModeIdle:
		p.ctrl.Reset()
		p.carry = target.Point{}

	case ModeFar:
		p.carry = target.Point{}
		res.Planned = 1
		p.send(&res, int32(pl.Step.X), int32(pl.Step.Y))

	case ModeNear:
		if p.lastMode != ModeNear {
			p.ctrl.Reset()
		}
		ox, oy := p.ctrl.Calculate(pl.Error.X, pl.Error.Y)
		move := target.Point{X: ox, Y: oy}
		if n := move.Norm(); n > cfg.NearMaxMove && n > 0 {
			move = move.Scale(cfg.NearMaxMove / n)
		}
		if cfg.AxisGate {
			move = gate(move, pl.Error)
		}
		p.subSteps(ctx, &res, move, pl.Distance, delay, cfg)
		res.Overshoot = res.Moved > pl.Distance*(1+cfg.OvershootMargin)
		p.ctrl.ReportOvershoot(res.Overshoot)
	}

	p.lastMode = pl.Mode
	return res
}

// subSteps splits move into paced integer sends. The fractional part of
// each send is carried into the next one, and across ticks, so repeated
// rounding does not drift.
func (p *Planner) subSteps(ctx context.Context, res *StepResult, move target.Point, distance float64, delay time.Duration, cfg Config) {
	n := 1
	if cfg.SubStepDistance > 0 {
		n += int(distance / cfg.SubStepDistance)
	}
	if n > cfg.MaxSubSteps {
		n = cfg.MaxSubSteps
	}
	if n < 1 {
		n = 1
	}
	res.Planned = n
	if delay <= 0 {
		delay = cfg.StepDelay
	}

	part := move.Scale(1 / float64(n))
	for i := 0; i < n; i++ {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				res.Err = err
				p.carry = target.Point{}
				return
			}
			if delay > 0 {
				p.clock.Sleep(delay)
			}
		}
		acc := p.carry.Add(part)
		dx, dy := math.Round(acc.X), math.Round(acc.Y)
		p.carry = target.Point{X: acc.X - dx, Y: acc.Y - dy}
		if dx == 0 && dy == 0 {
			continue
		}
		if !p.send(res, int32(dx), int32(dy)) {
			p.carry = target.Point{}
			return
		}
	}
}

// send delivers one move and accumulates it into res. It reports false on
// failure, after recording the error.
func (p *Planner) send(res *StepResult, dx, dy int32) bool {
	if dx == 0 && dy == 0 {
		return true
	}
	if err := p.actuator.Send(dx, dy, 0); err != nil {
		res.Err = err
		return false
	}
	res.DX += int(dx)
	res.DY += int(dy)
	res.SubSteps++
	res.Moved = math.Hypot(float64(res.DX), float64(res.DY))
	return true
}
