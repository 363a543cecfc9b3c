// Command trackpoint-sim runs the tracking and motion stack against
// scripted targets and reports how well the aim follows them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/monitoring"
	"github.com/banshee-data/trackpoint/internal/pipeline"
	"github.com/banshee-data/trackpoint/internal/sim"
	"github.com/banshee-data/trackpoint/internal/telemetry"
	"github.com/banshee-data/trackpoint/internal/version"
)

var (
	scenarioFlag = flag.String("scenario", "all", "Comma-separated scenario names, or 'all'")
	listFlag     = flag.Bool("list", false, "List scenarios and exit")
	configPath   = flag.String("config", "", "Tuning config JSON (defaults apply to omitted keys)")
	seed         = flag.Int64("seed", 1, "Seed for detection noise")
	noise        = flag.Float64("noise", 0, "Detection jitter standard deviation in pixels")
	failEvery    = flag.Int("fail-every", 0, "Fail every Nth actuator send (0 disables)")
	plotPath     = flag.String("plot", "", "Write an error-per-frame plot to this file (.png, .svg, .pdf)")
	htmlPath     = flag.String("html", "", "Write an interactive HTML report to this file")
	dbPath       = flag.String("db", "", "Record telemetry to this SQLite database")
	live         = flag.Bool("live", false, "Run in real time through the concurrent runtime; -config is watched for changes")
	debug        = flag.Bool("debug", false, "Enable diag and trace logging to stderr")
	traceEvery   = flag.Int("trace-every", 60, "Log one in this many frames and ticks to the trace stream")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("trackpoint-sim", version.String())
		return
	}
	if *debug {
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: os.Stderr, Diag: os.Stderr, Trace: os.Stderr})
	}

	if *listFlag {
		for _, sc := range sim.Scenarios() {
			fmt.Printf("%-10s %4d frames  %s\n", sc.Name, sc.Frames, sc.Description)
		}
		return
	}

	scenarios, err := selectScenarios(*scenarioFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	tc := config.EmptyTuningConfig()
	if *configPath != "" {
		tc, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *telemetry.Store
	if *dbPath != "" {
		store, err = telemetry.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open telemetry database: %v", err)
		}
		defer store.Close()
	}

	opts := sim.Options{Tuning: tc, Seed: *seed, Noise: *noise, FailEvery: *failEvery}
	var results []*sim.Result
	for _, sc := range scenarios {
		res, err := runOne(ctx, sc, opts, store)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("Interrupted during %s", sc.Name)
				break
			}
			log.Fatalf("Scenario %s failed: %v", sc.Name, err)
		}
		results = append(results, res)
	}
	if len(results) == 0 {
		return
	}

	printSummary(results)

	if *plotPath != "" {
		if err := sim.WritePlot(results, *plotPath); err != nil {
			log.Fatalf("%v", err)
		}
		log.Printf("Wrote plot to %s", *plotPath)
	}
	if *htmlPath != "" {
		f, err := os.Create(*htmlPath)
		if err != nil {
			log.Fatalf("Could not create report file %s: %v", *htmlPath, err)
		}
		if err := sim.WriteHTML(f, results); err != nil {
			f.Close()
			log.Fatalf("%v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("Could not write report file %s: %v", *htmlPath, err)
		}
		log.Printf("Wrote report to %s", *htmlPath)
	}
}

func selectScenarios(names string) ([]sim.Scenario, error) {
	if names == "" || names == "all" {
		return sim.Scenarios(), nil
	}
	var out []sim.Scenario
	for _, name := range strings.Split(names, ",") {
		sc, err := sim.Lookup(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// runOne plays sc, recording to store when it is non-nil.
func runOne(ctx context.Context, sc sim.Scenario, opts sim.Options, store *telemetry.Store) (*sim.Result, error) {
	var (
		rec     *telemetry.Recorder
		session telemetry.Session
	)
	if store != nil {
		var err error
		session, err = store.OpenSession(ctx, sc.Name, opts.Tuning)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
		rec = telemetry.NewRecorder(telemetry.RecorderConfig{Store: store, SessionID: session.ID})
		opts.Sink = rec
	}

	var (
		res *sim.Result
		err error
	)
	if *live {
		res, err = runLive(ctx, sc, opts)
	} else {
		res, err = sim.Run(ctx, sc, opts)
	}

	if rec != nil {
		if cerr := rec.Close(); cerr != nil {
			log.Printf("WARNING: telemetry for %s incomplete: %v", sc.Name, cerr)
		}
		ticks, terr := store.Ticks(ctx, session.ID)
		if terr != nil {
			log.Printf("WARNING: could not read back ticks for %s: %v", sc.Name, terr)
		} else {
			log.Printf("Session %s (%s): %d events written, %d dropped, %d ticks stored",
				session.ID, sc.Name, rec.Written(), rec.Dropped(), len(ticks))
		}
	}
	return res, err
}

func runLive(ctx context.Context, sc sim.Scenario, opts sim.Options) (*sim.Result, error) {
	l, err := sim.NewLive(sc, opts, nil)
	if err != nil {
		return nil, err
	}
	rt, err := pipeline.NewRuntime(pipeline.RuntimeConfig{
		Store:      config.NewStore(opts.Tuning),
		ConfigPath: *configPath,
		Source:     l,
		Actuator:   l,
		Reference:  l,
		Sink:       opts.Sink,
		TraceEvery: *traceEvery,
	})
	if err != nil {
		return nil, err
	}
	if err := rt.Run(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Result(), nil
}

func printSummary(results []*sim.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "scenario\tframes\tticks\tmean\trms\tp95\tmax\tsettle\tacq\tswitch\tlost\tattack\tovershoot\tfail\tgated\t")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			r.Scenario, r.Frames, r.Ticks, r.MeanError, r.RMSError, r.P95Error, r.MaxError,
			r.SettleFrame, r.Acquisitions, r.Switches, r.Losses, r.AttackFrames, r.Overshoots, r.ActuatorFailures, r.Gated)
	}
	w.Flush()
}
