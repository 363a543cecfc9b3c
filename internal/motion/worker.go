package motion

import (
	"context"
	"sync"

	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/telemetry"
	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// Reference supplies the point moves are measured from: the screen
// centre for a view-locked camera, or the cursor on a desktop.
type Reference interface {
	Reference() target.Point
}

// FixedReference is a Reference that never moves.
type FixedReference target.Point

// Reference returns the fixed point.
func (f FixedReference) Reference() target.Point {
	return target.Point(f)
}

// WorkerConfig contains the collaborators of a Worker.
type WorkerConfig struct {
	// Mailbox is the latest-wins command slot the worker drains.
	Mailbox *Mailbox
	// Planner runs one control tick per command.
	Planner *Planner
	// Actuator receives button events; moves go through the Planner.
	Actuator Actuator
	// Reference is where the aim currently points.
	Reference Reference
	// Sink is optional; if nil, ticks are not recorded.
	Sink telemetry.Sink
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// TraceEvery logs one tick in this many to the trace stream (0 = all).
	TraceEvery int
}

// Worker is the single motion consumer. Only one Run may be active.
type Worker struct {
	mailbox   *Mailbox
	planner   *Planner
	actuator  Actuator
	reference Reference
	sink      telemetry.Sink
	clock     timeutil.Clock
	trace     *monitoring.Sampler
	failures  *monitoring.Sampler

	mu      sync.Mutex
	running bool
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Worker{
		mailbox:   cfg.Mailbox,
		planner:   cfg.Planner,
		actuator:  cfg.Actuator,
		reference: cfg.Reference,
		sink:      sink,
		clock:     clock,
		trace:     monitoring.NewSampler(cfg.TraceEvery),
		failures:  monitoring.NewSampler(100),
	}
}

// Run drains the mailbox until ctx is cancelled. Each command gets one
// planner step; in chase mode the worker keeps stepping toward the last
// command at the poll cadence until it reaches the dead zone or a newer
// command arrives. Chase mode only makes sense with a Reference that
// follows the actuator. Returns nil on clean shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	monitoring.Opsf("motion worker started")
	var (
		last    Command
		chasing bool
	)
	for {
		if ctx.Err() != nil {
			monitoring.Opsf("motion worker stopping due to context cancellation")
			return nil
		}
		cfg := w.planner.Config()
		cmd, ok := w.mailbox.Take(ctx, cfg.PollTimeout)
		switch {
		case ok:
			res := w.Handle(ctx, cmd)
			last = cmd
			chasing = cfg.Chase && res.Mode != ModeIdle
		case chasing:
			if !cfg.Chase {
				chasing = false
				continue
			}
			res := w.execute(ctx, last)
			chasing = res.Mode != ModeIdle && res.Err == nil
		}
	}
}

// IsRunning reports whether Run is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Handle runs one planner step for cmd and then delivers its buttons.
// Run calls it for every command it takes; callers driving the worker
// synchronously may call it directly instead of Run.
func (w *Worker) Handle(ctx context.Context, cmd Command) StepResult {
	res := w.execute(ctx, cmd)
	if cmd.Buttons != 0 && ctx.Err() == nil {
		w.sendButtons(cmd.Buttons)
	}
	return res
}

func (w *Worker) execute(ctx context.Context, cmd Command) StepResult {
	tgt := target.Point{X: float64(cmd.TargetX), Y: float64(cmd.TargetY)}
	ref := w.reference.Reference()
	res := w.planner.Step(ctx, tgt, ref, cmd.Delay)

	if res.Err != nil && ctx.Err() == nil && w.failures.Allow() {
		monitoring.Opsf("actuator send failed (frame %d, %d/%d sub-steps delivered): %v",
			cmd.Frame, res.SubSteps, res.Planned, res.Err)
	}
	if res.Mode != ModeIdle && w.trace.Allow() {
		monitoring.Tracef("tick frame=%d mode=%s err=(%.1f,%.1f) move=(%d,%d) steps=%d/%d overshoot=%t",
			cmd.Frame, res.Mode, res.Error.X, res.Error.Y, res.DX, res.DY, res.SubSteps, res.Planned, res.Overshoot)
	}

	tick := telemetry.Tick{
		Time:      w.clock.Now(),
		Frame:     cmd.Frame,
		Mode:      res.Mode.String(),
		ErrorX:    res.Error.X,
		ErrorY:    res.Error.Y,
		Distance:  res.Distance,
		DX:        res.DX,
		DY:        res.DY,
		SubSteps:  res.SubSteps,
		Overshoot: res.Overshoot,
		GainScale: w.planner.Controller().GainScale(),
	}
	if res.Err != nil {
		tick.Err = res.Err.Error()
	}
	w.sink.RecordTick(tick)
	return res
}

func (w *Worker) sendButtons(b ButtonFlags) {
	if err := w.actuator.Send(0, 0, b); err != nil && w.failures.Allow() {
		monitoring.Opsf("actuator button send %s failed: %v", b, err)
	}
}
