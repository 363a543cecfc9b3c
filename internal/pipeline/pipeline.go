// Package pipeline wires detection, selection and motion together.
//
// Pipeline is the perception side: it turns each frame's detections into
// candidates, lets the tracker pick one, and offers the result to the
// motion mailbox. Runtime runs it next to the motion worker and the
// config watcher.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/motion"
	"github.com/banshee-data/trackpoint/internal/selector"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/telemetry"
	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// ErrSourceClosed is returned by a DetectionSource with no more frames.
var ErrSourceClosed = errors.New("pipeline: detection source closed")

// Frame is one detector pass over a capture region.
type Frame struct {
	Detections []target.Detection
	Origin     target.Origin     // capture region offset on screen
	Screen     target.ScreenSize // full screen, for clamping and scoring
	Buttons    motion.ButtonFlags
}

// DetectionSource yields frames. NextFrame blocks until a frame is ready
// and returns ErrSourceClosed when the stream ends.
type DetectionSource interface {
	NextFrame(ctx context.Context) (Frame, error)
}

// Options are the pipeline's own tunables.
type Options struct {
	// CommandUpdateThreshold suppresses replacing a pending command with
	// one that moved less than this many pixels. Zero disables it.
	CommandUpdateThreshold float64
	// Arrival gates offers on the distance from the reference. It needs
	// Config.Reference.
	Arrival ArrivalOptions
}

// OptionsFromTuning builds Options from a loaded TuningConfig.
func OptionsFromTuning(cfg *config.TuningConfig) Options {
	return Options{
		CommandUpdateThreshold: cfg.GetCommandUpdateThreshold(),
		Arrival:                ArrivalOptionsFromTuning(cfg),
	}
}

// Config contains the collaborators of a Pipeline.
type Config struct {
	Source     DetectionSource
	Calculator *target.Calculator
	Tracker    *selector.Tracker
	Mailbox    *motion.Mailbox
	Options    Options
	// Reference is where the aim currently points. Optional; without it
	// the arrival gate is off.
	Reference motion.Reference
	// Sink is optional; if nil, frames are not recorded.
	Sink telemetry.Sink
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// TraceEvery logs one frame in this many to the trace stream (0 = all).
	TraceEvery int
}

// Pipeline is the perception loop. ProcessFrame and Run must be called
// from a single goroutine; UpdateConfig may be called from any.
type Pipeline struct {
	source  DetectionSource
	calc    atomic.Pointer[target.Calculator]
	opts    atomic.Pointer[Options]
	tracker *selector.Tracker
	mailbox *motion.Mailbox
	ref     motion.Reference
	sink    telemetry.Sink
	clock   timeutil.Clock
	trace   *monitoring.Sampler

	gate       arrivalGate
	gated      uint64
	lastCmd    *motion.Command
	lastAttack bool
	lastCombat bool
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	p := &Pipeline{
		source:  cfg.Source,
		tracker: cfg.Tracker,
		mailbox: cfg.Mailbox,
		ref:     cfg.Reference,
		sink:    sink,
		clock:   clock,
		trace:   monitoring.NewSampler(cfg.TraceEvery),
	}
	p.calc.Store(cfg.Calculator)
	opts := cfg.Options
	p.opts.Store(&opts)
	return p
}

// UpdateConfig applies a new tuning snapshot to the calculator, the
// tracker and the pipeline options.
func (p *Pipeline) UpdateConfig(cfg *config.TuningConfig) {
	p.calc.Store(target.NewCalculator(target.AimConfigFromTuning(cfg)))
	p.tracker.UpdateConfig(selector.ConfigFromTuning(cfg))
	opts := OptionsFromTuning(cfg)
	p.opts.Store(&opts)
}

// Tracker returns the pipeline's tracker.
func (p *Pipeline) Tracker() *selector.Tracker {
	return p.tracker
}

// Arrival returns the arrival gate's phase.
func (p *Pipeline) Arrival() ArrivalState {
	return p.gate.state()
}

// Gated returns how many commands the arrival gate has held back.
func (p *Pipeline) Gated() uint64 {
	return p.gated
}

// ProcessFrame runs one frame through selection and, when a target is
// selected, offers a motion command. It reports the selected point.
func (p *Pipeline) ProcessFrame(f Frame) (target.Point, bool) {
	cands := p.calc.Load().Candidates(f.Detections, f.Origin)
	pt, ok := p.tracker.Select(cands, f.Screen.Width, f.Screen.Height)
	dec := p.tracker.Decision()
	p.logDecision(dec)
	p.record(dec)

	if dec.Acquired || dec.Switched || dec.Lost {
		p.gate.reset()
	}
	if !ok {
		return pt, false
	}

	cmd := motion.Command{
		TargetX: int(math.Round(pt.X)),
		TargetY: int(math.Round(pt.Y)),
		Buttons: f.Buttons,
		Frame:   dec.Frame,
		LockID:  dec.LockID,
		Issued:  p.clock.Now(),
	}
	opts := p.opts.Load()
	if cmd.Buttons != 0 || (p.shouldReplace(cmd, opts) && p.admit(pt, cmd.Issued, opts)) {
		p.mailbox.Offer(cmd)
		p.lastCmd = &cmd
	}
	return pt, true
}

// shouldReplace reports whether cmd is worth replacing the pending
// command. An empty slot is always refilled, since each command drives
// one step.
func (p *Pipeline) shouldReplace(cmd motion.Command, opts *Options) bool {
	thr := opts.CommandUpdateThreshold
	if thr <= 0 || p.lastCmd == nil || !p.mailbox.Pending() {
		return true
	}
	dx := float64(cmd.TargetX - p.lastCmd.TargetX)
	dy := float64(cmd.TargetY - p.lastCmd.TargetY)
	return math.Hypot(dx, dy) >= thr
}

// admit runs the arrival gate against the current reference.
func (p *Pipeline) admit(pt target.Point, now time.Time, opts *Options) bool {
	if !opts.Arrival.Enabled || p.ref == nil {
		return true
	}
	before := p.gate.state()
	ok := p.gate.allow(opts.Arrival, pt, p.ref.Reference(), now)
	if after := p.gate.state(); after != before && (after == ArrivalCooling || before >= ArrivalArrived) {
		monitoring.Diagf("arrival %s -> %s at distance %.1f", before, after, pt.Dist(p.ref.Reference()))
	}
	if !ok {
		p.gated++
	}
	return ok
}

// Run pulls frames until ctx is cancelled or the source closes. A closed
// source ends the loop with a nil error.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.source == nil {
		return fmt.Errorf("pipeline has no detection source")
	}
	monitoring.Opsf("perception loop started")
	for {
		f, err := p.source.NextFrame(ctx)
		switch {
		case errors.Is(err, ErrSourceClosed):
			monitoring.Opsf("perception loop stopping: detection source closed")
			return nil
		case ctx.Err() != nil:
			monitoring.Opsf("perception loop stopping due to context cancellation")
			return nil
		case err != nil:
			return fmt.Errorf("next frame: %w", err)
		}
		p.ProcessFrame(f)
	}
}

func (p *Pipeline) logDecision(dec selector.Decision) {
	switch {
	case dec.Acquired:
		monitoring.Diagf("lock acquired id=%s at (%.0f,%.0f) conf=%.2f", dec.LockID, dec.Raw.X, dec.Raw.Y, dec.Confidence)
	case dec.Switched:
		monitoring.Diagf("lock switched id=%s at (%.0f,%.0f) score_diff=%.3f", dec.LockID, dec.Raw.X, dec.Raw.Y, dec.ScoreDiff)
	case dec.Lost:
		monitoring.Diagf("lock lost after empty frames")
	}
	if dec.AttackProtection != p.lastAttack {
		monitoring.Diagf("attack protection %s (lock %s)", onOff(dec.AttackProtection), dec.LockID)
		p.lastAttack = dec.AttackProtection
	}
	if dec.CombatMode != p.lastCombat {
		monitoring.Diagf("combat mode %s (lock %s, %d frames)", onOff(dec.CombatMode), dec.LockID, dec.LockFrames)
		p.lastCombat = dec.CombatMode
	}
	if dec.VelocityRejected {
		monitoring.Diagf("velocity glitch rejected at frame %d", dec.Frame)
	}
	if p.trace.Allow() {
		monitoring.Tracef("frame=%d cands=%d selected=%t point=(%.1f,%.1f) lock_frames=%d score=%.3f",
			dec.Frame, dec.Candidates, dec.Selected, dec.Point.X, dec.Point.Y, dec.LockFrames, dec.Score)
	}
}

func (p *Pipeline) record(dec selector.Decision) {
	p.sink.RecordFrame(telemetry.Frame{
		Time:             p.clock.Now(),
		Frame:            dec.Frame,
		Candidates:       dec.Candidates,
		Selected:         dec.Selected,
		X:                dec.Point.X,
		Y:                dec.Point.Y,
		RawX:             dec.Raw.X,
		RawY:             dec.Raw.Y,
		Confidence:       dec.Confidence,
		Score:            dec.Score,
		LockID:           dec.LockID,
		LockFrames:       dec.LockFrames,
		Acquired:         dec.Acquired,
		Switched:         dec.Switched,
		Lost:             dec.Lost,
		AttackProtection: dec.AttackProtection,
		CombatMode:       dec.CombatMode,
	})
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// SliceSource replays a fixed list of frames, then reports ErrSourceClosed.
// Interval paces frames on Clock when positive.
type SliceSource struct {
	Frames   []Frame
	Interval time.Duration
	Clock    timeutil.Clock

	next int
}

// NextFrame returns the next frame.
func (s *SliceSource) NextFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.Frames) {
		return Frame{}, ErrSourceClosed
	}
	if s.next > 0 && s.Interval > 0 {
		clock := s.Clock
		if clock == nil {
			clock = timeutil.RealClock{}
		}
		clock.Sleep(s.Interval)
	}
	f := s.Frames[s.next]
	s.next++
	return f, nil
}
