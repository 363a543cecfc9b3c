package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/motion"
	"github.com/banshee-data/trackpoint/internal/selector"
	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/telemetry"
	"github.com/banshee-data/trackpoint/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var screen = target.ScreenSize{Width: 1920, Height: 1080}

// boxAt returns a 40x100 box whose default aim point is (x, y).
func boxAt(x, y float64) target.Box {
	return target.Box{X1: x - 20, Y1: y - 45, X2: x + 20, Y2: y + 55}
}

func frameAt(x, y, conf float64) Frame {
	return Frame{
		Detections: []target.Detection{{Box: boxAt(x, y), Confidence: conf}},
		Screen:     screen,
	}
}

func newTestPipeline(src DetectionSource, opts Options) (*Pipeline, *motion.Mailbox, *telemetry.Memory) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	mb := motion.NewMailbox(nil)
	sink := telemetry.NewMemory()
	tc := config.EmptyTuningConfig()
	p := New(Config{
		Source:     src,
		Calculator: target.NewCalculator(target.AimConfigFromTuning(tc)),
		Tracker:    selector.NewTracker(selector.ConfigFromTuning(tc), clock),
		Mailbox:    mb,
		Options:    opts,
		Sink:       sink,
		Clock:      clock,
	})
	return p, mb, sink
}

func TestProcessFrameOffersCommand(t *testing.T) {
	p, mb, sink := newTestPipeline(nil, Options{})

	pt, ok := p.ProcessFrame(frameAt(1000, 540, 0.9))
	require.True(t, ok)
	assert.InDelta(t, 1000, pt.X, 1e-9)
	assert.InDelta(t, 540, pt.Y, 1e-9)

	cmd, ok := mb.Take(context.Background(), time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 1000, cmd.TargetX)
	assert.Equal(t, 540, cmd.TargetY)
	assert.Equal(t, uint64(1), cmd.Frame)
	assert.NotEmpty(t, cmd.LockID)

	frames := sink.Frames()
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Selected)
	assert.True(t, frames[0].Acquired)
	assert.Equal(t, cmd.LockID, frames[0].LockID)
}

func TestProcessFrameCaptureOrigin(t *testing.T) {
	p, mb, _ := newTestPipeline(nil, Options{})

	f := frameAt(40, 40, 0.9)
	f.Origin = target.Origin{Left: 640, Top: 220}
	_, ok := p.ProcessFrame(f)
	require.True(t, ok)

	cmd, ok := mb.Take(context.Background(), time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 680, cmd.TargetX)
	assert.Equal(t, 260, cmd.TargetY)
}

func TestProcessFrameFiltersLowConfidence(t *testing.T) {
	p, mb, sink := newTestPipeline(nil, Options{})

	_, ok := p.ProcessFrame(frameAt(1000, 540, 0.3))
	assert.False(t, ok)
	assert.False(t, mb.Pending())
	require.Len(t, sink.Frames(), 1)
	assert.Zero(t, sink.Frames()[0].Candidates)
}

func TestCommandDedup(t *testing.T) {
	p, mb, _ := newTestPipeline(nil, Options{CommandUpdateThreshold: 5})

	p.ProcessFrame(frameAt(1000, 540, 0.9))
	p.ProcessFrame(frameAt(1002, 541, 0.9)) // small move while pending: skipped
	offered, _ := mb.Stats()
	assert.Equal(t, uint64(1), offered)

	p.ProcessFrame(frameAt(1030, 540, 0.9)) // large move replaces
	offered, replaced := mb.Stats()
	assert.Equal(t, uint64(2), offered)
	assert.Equal(t, uint64(1), replaced)

	_, ok := mb.Take(context.Background(), time.Millisecond)
	require.True(t, ok)

	// An empty slot is always refilled, even for an unchanged point.
	p.ProcessFrame(frameAt(1030, 540, 0.9))
	assert.True(t, mb.Pending())
}

func TestButtonsBypassDedup(t *testing.T) {
	p, mb, _ := newTestPipeline(nil, Options{CommandUpdateThreshold: 5})

	p.ProcessFrame(frameAt(1000, 540, 0.9))
	f := frameAt(1000, 540, 0.9)
	f.Buttons = motion.ButtonLeftDown
	p.ProcessFrame(f)

	cmd, ok := mb.Take(context.Background(), time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, motion.ButtonLeftDown, cmd.Buttons)
}

func TestUpdateConfig(t *testing.T) {
	p, mb, _ := newTestPipeline(nil, Options{})

	minConf := 0.95
	p.UpdateConfig(&config.TuningConfig{MinConfidence: &minConf})

	_, ok := p.ProcessFrame(frameAt(1000, 540, 0.9))
	assert.False(t, ok)
	assert.False(t, mb.Pending())
}

func TestRunUntilSourceCloses(t *testing.T) {
	src := &SliceSource{Frames: []Frame{
		frameAt(1000, 540, 0.9),
		frameAt(1001, 540, 0.9),
		{Screen: screen},
		frameAt(1002, 541, 0.9),
	}}
	p, _, sink := newTestPipeline(src, Options{})

	require.NoError(t, p.Run(context.Background()))
	frames := sink.Frames()
	require.Len(t, frames, 4)
	assert.False(t, frames[2].Selected)
	assert.Equal(t, frames[0].LockID, frames[3].LockID)
}

type failingSource struct{ err error }

func (s failingSource) NextFrame(context.Context) (Frame, error) {
	return Frame{}, s.err
}

func TestRunSourceError(t *testing.T) {
	boom := errors.New("decoder crashed")
	p, _, _ := newTestPipeline(failingSource{err: boom}, Options{})

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, _, _ := newTestPipeline(failingSource{err: context.Canceled}, Options{})

	assert.NoError(t, p.Run(ctx))
}

func TestSliceSourcePacing(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &SliceSource{
		Frames:   []Frame{{}, {}, {}},
		Interval: 16 * time.Millisecond,
		Clock:    clock,
	}
	for i := 0; i < 3; i++ {
		_, err := src.NextFrame(context.Background())
		require.NoError(t, err)
	}
	_, err := src.NextFrame(context.Background())
	assert.ErrorIs(t, err, ErrSourceClosed)
	assert.Len(t, clock.Sleeps(), 2)
}
