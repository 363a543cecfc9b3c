package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/motion"
	"github.com/banshee-data/trackpoint/internal/pid"
	"github.com/banshee-data/trackpoint/internal/pipeline"
	"github.com/banshee-data/trackpoint/internal/selector"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/telemetry"
	"github.com/banshee-data/trackpoint/internal/timeutil"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Options configures a run. The zero value is usable.
type Options struct {
	// Tuning is the config snapshot; nil uses the built-in defaults.
	Tuning *config.TuningConfig
	// Screen defaults to 1920x1080.
	Screen target.ScreenSize
	// Capture is the side of the square capture region centred on the
	// screen; objects outside it are not detected. Defaults to 640.
	Capture int
	// Seed drives detection noise.
	Seed int64
	// Noise is the standard deviation of detection jitter in pixels.
	Noise float64
	// FailEvery makes every Nth actuator send fail (0 never fails).
	FailEvery int
	// SettleRadius is the error, in pixels, a run must stay within to
	// count as settled. Defaults to 3.
	SettleRadius float64
	// Sink also receives every frame and tick; optional.
	Sink telemetry.Sink
}

// Sample is the state at the end of one frame.
type Sample struct {
	Frame      int
	Visible    bool    // primary target was inside the capture region
	Error      float64 // distance from aim to the primary target after the move
	ErrorX     float64
	ErrorY     float64
	Mode       string // planner mode, empty when no command ran
	GainScale  float64
	LockFrames int
}

// Result summarises a run.
type Result struct {
	Scenario string
	Samples  []Sample

	Frames           int
	Ticks            int
	Acquisitions     int
	Switches         int
	Losses           int
	AttackFrames     int // frames with attack protection active
	Overshoots       int
	ActuatorFailures int
	Gated            int // commands held back by the arrival gate

	MeanError float64
	RMSError  float64
	MaxError  float64
	P95Error  float64
	// SteadyError is the mean error over the second half of the run.
	SteadyError float64
	// SettleFrame is the first frame from which the error stays within
	// the settle radius, or -1.
	SettleFrame int
}

// viewport is the simulated actuator: each send pans the view.
type viewport struct {
	offset    target.Point
	sends     int
	failEvery int
}

func (v *viewport) Send(dx, dy int32, _ motion.ButtonFlags) error {
	v.sends++
	if v.failEvery > 0 && v.sends%v.failEvery == 0 {
		return motion.ErrActuatorUnavailable
	}
	v.offset = v.offset.Add(target.Point{X: float64(dx), Y: float64(dy)})
	return nil
}

func (o Options) withDefaults() Options {
	if o.Tuning == nil {
		o.Tuning = config.EmptyTuningConfig()
	}
	if o.Screen.Width <= 0 || o.Screen.Height <= 0 {
		o.Screen = target.ScreenSize{Width: 1920, Height: 1080}
	}
	if o.Capture <= 0 {
		o.Capture = 640
	}
	if o.SettleRadius <= 0 {
		o.SettleRadius = 3
	}
	return o
}

func (sc Scenario) interval() time.Duration {
	if sc.FrameInterval <= 0 {
		return 16 * time.Millisecond
	}
	return sc.FrameInterval
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Run drives sc through the full pipeline and motion worker, one planner
// step per frame, and returns the run's metrics.
func Run(ctx context.Context, sc Scenario, opts Options) (*Result, error) {
	if sc.Objects == nil || sc.Frames <= 0 {
		return nil, fmt.Errorf("scenario %q has no frames", sc.Name)
	}
	opts = opts.withDefaults()
	tc, screen, capture := opts.Tuning, opts.Screen, opts.Capture
	interval := sc.interval()

	clock := timeutil.NewMockClock(epoch)
	mem := telemetry.NewMemory()
	var sink telemetry.Sink = mem
	if opts.Sink != nil {
		sink = telemetry.Tee{mem, opts.Sink}
	}

	view := &viewport{failEvery: opts.FailEvery}
	center := screen.Center()
	mailbox := motion.NewMailbox(clock)
	tracker := selector.NewTracker(selector.ConfigFromTuning(tc), clock)
	ctrl := pid.NewController(pid.ConfigFromTuning(tc), clock)
	planner := motion.NewPlanner(motion.ConfigFromTuning(tc), ctrl, view, clock)
	worker := motion.NewWorker(motion.WorkerConfig{
		Mailbox:    mailbox,
		Planner:    planner,
		Actuator:   view,
		Reference:  motion.FixedReference(center),
		Sink:       sink,
		Clock:      clock,
		TraceEvery: 60,
	})
	pipe := pipeline.New(pipeline.Config{
		Calculator: target.NewCalculator(target.AimConfigFromTuning(tc)),
		Tracker:    tracker,
		Mailbox:    mailbox,
		Options:    pipeline.OptionsFromTuning(tc),
		Reference:  motion.FixedReference(center),
		Sink:       sink,
		Clock:      clock,
		TraceEvery: 60,
	})

	origin := target.Origin{
		Left: int(center.X) - capture/2,
		Top:  int(center.Y) - capture/2,
	}
	det := detector{
		origin:  origin,
		capture: float64(capture),
		xRatio:  tc.GetAimXOffsetRatio(),
		yRatio:  tc.GetAimYRatio(),
		noise:   opts.Noise,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}

	res := &Result{Scenario: sc.Name, Samples: make([]Sample, 0, sc.Frames)}
	for i := 0; i < sc.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock.Set(epoch.Add(time.Duration(i) * interval))

		objs := sc.Objects(i)
		var dets []target.Detection
		visible := false
		for j, o := range objs {
			screenPos := center.Add(o.Pos.Sub(view.offset))
			d, ok := det.detect(o, screenPos)
			if !ok {
				continue
			}
			if j == 0 {
				visible = true
			}
			dets = append(dets, d)
		}

		pipe.ProcessFrame(pipeline.Frame{Detections: dets, Origin: origin, Screen: screen})
		dec := tracker.Decision()

		s := Sample{Frame: i, Visible: visible, LockFrames: dec.LockFrames}
		if cmd, ok := mailbox.TryTake(); ok {
			step := worker.Handle(ctx, cmd)
			res.Ticks++
			s.Mode = step.Mode.String()
			if step.Overshoot {
				res.Overshoots++
			}
			if step.Err != nil {
				res.ActuatorFailures++
			}
		}
		s.GainScale = ctrl.GainScale()

		if dec.Acquired {
			res.Acquisitions++
		}
		if dec.Switched {
			res.Switches++
		}
		if dec.Lost {
			res.Losses++
		}
		if dec.AttackProtection {
			res.AttackFrames++
		}

		if len(objs) > 0 {
			e := objs[0].Pos.Sub(view.offset)
			s.ErrorX, s.ErrorY, s.Error = e.X, e.Y, e.Norm()
		}
		res.Samples = append(res.Samples, s)
	}

	res.Gated = int(pipe.Gated())
	res.summarise(opts.SettleRadius)
	monitoring.Diagf("sim %s: frames=%d ticks=%d gated=%d mean=%.2f max=%.2f settle=%d switches=%d",
		sc.Name, res.Frames, res.Ticks, res.Gated, res.MeanError, res.MaxError, res.SettleFrame, res.Switches)
	return res, nil
}

func (r *Result) summarise(settle float64) {
	r.Frames = len(r.Samples)
	r.SettleFrame = -1
	if r.Frames == 0 {
		return
	}
	errs := make([]float64, r.Frames)
	sq := make([]float64, r.Frames)
	for i, s := range r.Samples {
		errs[i] = s.Error
		sq[i] = s.Error * s.Error
	}
	r.MeanError = stat.Mean(errs, nil)
	r.RMSError = math.Sqrt(stat.Mean(sq, nil))
	r.MaxError = floats.Max(errs)
	r.SteadyError = stat.Mean(errs[r.Frames/2:], nil)

	sorted := append([]float64(nil), errs...)
	sort.Float64s(sorted)
	r.P95Error = stat.Quantile(0.95, stat.Empirical, sorted, nil)

	for i := r.Frames - 1; i >= 0 && errs[i] <= settle; i-- {
		r.SettleFrame = i
	}
}

// detector renders objects into detections the way a model would see them
// through the capture region.
type detector struct {
	origin  target.Origin
	capture float64
	xRatio  float64
	yRatio  float64
	noise   float64
	rng     *rand.Rand
}

// detect returns a detection whose aim point lands on pos, or false when
// the object is hidden or outside the capture region.
func (d detector) detect(o Object, pos target.Point) (target.Detection, bool) {
	if o.Hidden {
		return target.Detection{}, false
	}
	if d.noise > 0 {
		pos.X += d.rng.NormFloat64() * d.noise
		pos.Y += d.rng.NormFloat64() * d.noise
	}
	lx := pos.X - float64(d.origin.Left)
	ly := pos.Y - float64(d.origin.Top)
	if lx < 0 || ly < 0 || lx >= d.capture || ly >= d.capture {
		return target.Detection{}, false
	}
	w, h := o.Width, o.Height
	if w <= 0 || h <= 0 {
		w, h = 40, 100
	}
	// Half a pixel of headroom so the calculator's truncation lands on
	// the object's own pixel.
	x1 := lx + 0.5 - w*d.xRatio
	y1 := ly + 0.5 - h*d.yRatio
	return target.Detection{
		Box:        target.Box{X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + h},
		Confidence: o.Confidence,
	}, true
}
