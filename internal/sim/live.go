package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/trackpoint/internal/motion"
	"github.com/banshee-data/trackpoint/internal/pipeline"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/timeutil"
)

// Live plays a scenario in real time for a pipeline.Runtime. It is both
// the runtime's detection source and its actuator, so the perception
// loop and the motion worker run concurrently the way they do against
// real hardware.
type Live struct {
	sc       Scenario
	screen   target.ScreenSize
	origin   target.Origin
	interval time.Duration
	clock    timeutil.Clock
	settle   float64

	mu      sync.Mutex
	det     detector
	view    viewport
	frame   int
	samples []Sample
}

// NewLive prepares sc for a live run. A nil clock uses the real clock.
func NewLive(sc Scenario, opts Options, clock timeutil.Clock) (*Live, error) {
	if sc.Objects == nil || sc.Frames <= 0 {
		return nil, fmt.Errorf("scenario %q has no frames", sc.Name)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	opts = opts.withDefaults()
	screen := opts.Screen
	center := screen.Center()
	origin := target.Origin{Left: int(center.X) - opts.Capture/2, Top: int(center.Y) - opts.Capture/2}

	return &Live{
		sc:       sc,
		screen:   screen,
		origin:   origin,
		interval: sc.interval(),
		clock:    clock,
		settle:   opts.SettleRadius,
		view:     viewport{failEvery: opts.FailEvery},
		det: detector{
			origin:  origin,
			capture: float64(opts.Capture),
			xRatio:  opts.Tuning.GetAimXOffsetRatio(),
			yRatio:  opts.Tuning.GetAimYRatio(),
			noise:   opts.Noise,
			rng:     rand.New(rand.NewSource(opts.Seed)),
		},
	}, nil
}

// Reference is the screen centre: the camera is view-locked.
func (l *Live) Reference() target.Point {
	return l.screen.Center()
}

// Send pans the simulated view.
func (l *Live) Send(dx, dy int32, b motion.ButtonFlags) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.view.Send(dx, dy, b)
}

// NextFrame waits one frame interval, samples the aim error and renders
// the scenario's objects against the current view.
func (l *Live) NextFrame(ctx context.Context) (pipeline.Frame, error) {
	l.mu.Lock()
	frame := l.frame
	l.mu.Unlock()
	if frame >= l.sc.Frames {
		return pipeline.Frame{}, pipeline.ErrSourceClosed
	}
	if frame > 0 {
		l.clock.Sleep(l.interval)
	}
	if err := ctx.Err(); err != nil {
		return pipeline.Frame{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	objs := l.sc.Objects(frame)
	center := l.screen.Center()
	s := Sample{Frame: frame}
	var dets []target.Detection
	for j, o := range objs {
		d, ok := l.det.detect(o, center.Add(o.Pos.Sub(l.view.offset)))
		if !ok {
			continue
		}
		if j == 0 {
			s.Visible = true
		}
		dets = append(dets, d)
	}
	if len(objs) > 0 {
		e := objs[0].Pos.Sub(l.view.offset)
		s.ErrorX, s.ErrorY, s.Error = e.X, e.Y, e.Norm()
	}
	l.samples = append(l.samples, s)
	l.frame++
	return pipeline.Frame{Detections: dets, Origin: l.origin, Screen: l.screen}, nil
}

// Result summarises the frames played so far. Errors are sampled when
// each frame is captured, before that frame's move. Tracker and planner
// counters are not available here; read them from the telemetry sink.
func (l *Live) Result() *Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := &Result{Scenario: l.sc.Name, Samples: append([]Sample(nil), l.samples...)}
	r.summarise(l.settle)
	return r
}
