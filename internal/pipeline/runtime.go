package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/motion"
	"github.com/banshee-data/trackpoint/internal/pid"
	"github.com/banshee-data/trackpoint/internal/selector"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/telemetry"
	"github.com/banshee-data/trackpoint/internal/timeutil"
	"golang.org/x/sync/errgroup"
)

// RuntimeConfig contains everything needed to assemble a Runtime.
type RuntimeConfig struct {
	// Store supplies the tuning snapshots; reloads are pushed to every
	// component.
	Store *config.Store
	// ConfigPath is watched for changes when non-empty.
	ConfigPath string
	// WatchInterval is the config polling period (default 1s).
	WatchInterval time.Duration

	Source    DetectionSource
	Actuator  motion.Actuator
	Reference motion.Reference

	// Sink is optional; if nil, nothing is recorded.
	Sink telemetry.Sink
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// TraceEvery samples the per-frame and per-tick trace logs.
	TraceEvery int
}

// Runtime owns the perception loop, the motion worker and the config
// watcher, and runs them as one unit.
type Runtime struct {
	store    *config.Store
	pipeline *Pipeline
	planner  *motion.Planner
	worker   *motion.Worker
	mailbox  *motion.Mailbox
	watcher  *config.Watcher
}

// NewRuntime builds every component from the store's current snapshot.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("runtime requires a config store")
	}
	if cfg.Source == nil || cfg.Actuator == nil || cfg.Reference == nil {
		return nil, fmt.Errorf("runtime requires a detection source, an actuator and a reference")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.Nop{}
	}
	tc := cfg.Store.Current()

	mailbox := motion.NewMailbox(clock)
	ctrl := pid.NewController(pid.ConfigFromTuning(tc), clock)
	planner := motion.NewPlanner(motion.ConfigFromTuning(tc), ctrl, cfg.Actuator, clock)
	worker := motion.NewWorker(motion.WorkerConfig{
		Mailbox:    mailbox,
		Planner:    planner,
		Actuator:   cfg.Actuator,
		Reference:  cfg.Reference,
		Sink:       sink,
		Clock:      clock,
		TraceEvery: cfg.TraceEvery,
	})
	p := New(Config{
		Source:     cfg.Source,
		Calculator: target.NewCalculator(target.AimConfigFromTuning(tc)),
		Tracker:    selector.NewTracker(selector.ConfigFromTuning(tc), clock),
		Mailbox:    mailbox,
		Options:    OptionsFromTuning(tc),
		Reference:  cfg.Reference,
		Sink:       sink,
		Clock:      clock,
		TraceEvery: cfg.TraceEvery,
	})

	r := &Runtime{
		store:    cfg.Store,
		pipeline: p,
		planner:  planner,
		worker:   worker,
		mailbox:  mailbox,
	}
	if cfg.ConfigPath != "" {
		r.watcher = config.NewWatcher(cfg.Store, cfg.ConfigPath, cfg.WatchInterval, clock)
	}

	cfg.Store.Subscribe(r.apply)
	return r, nil
}

// apply pushes a snapshot to every component. Each component swaps its
// own config atomically; they may briefly run on different generations.
func (r *Runtime) apply(tc *config.TuningConfig) {
	r.pipeline.UpdateConfig(tc)
	r.planner.UpdateConfig(motion.ConfigFromTuning(tc))
	r.planner.Controller().UpdateConfig(pid.ConfigFromTuning(tc))
}

// Pipeline returns the perception pipeline.
func (r *Runtime) Pipeline() *Pipeline { return r.pipeline }

// Planner returns the motion planner.
func (r *Runtime) Planner() *motion.Planner { return r.planner }

// Mailbox returns the command mailbox.
func (r *Runtime) Mailbox() *motion.Mailbox { return r.mailbox }

// Run blocks until ctx is cancelled, the detection source closes, or a
// component fails. When perception ends the worker and watcher are
// stopped too.
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return r.pipeline.Run(gctx)
	})
	g.Go(func() error {
		return r.worker.Run(gctx)
	})
	if r.watcher != nil {
		g.Go(func() error {
			return r.watcher.Run(gctx)
		})
	}

	err := g.Wait()
	offered, replaced := r.mailbox.Stats()
	monitoring.Opsf("runtime stopped: %d commands offered, %d superseded", offered, replaced)
	return err
}
