package selector

import (
	"testing"
	"time"

	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	screenW = 1920
	screenH = 1080
)

func cand(x, y, conf float64) target.Candidate {
	return target.Candidate{X: x, Y: y, Confidence: conf}
}

func newTestTracker(mut func(*Config)) (*Tracker, *timeutil.MockClock) {
	cfg := DefaultConfig()
	if mut != nil {
		mut(&cfg)
	}
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewTracker(cfg, clock), clock
}

func TestSelectEmptyFirstFrame(t *testing.T) {
	tr, _ := newTestTracker(nil)

	_, ok := tr.Select(nil, screenW, screenH)
	assert.False(t, ok)
	assert.True(t, tr.State().Searching())
	assert.Nil(t, tr.State().LastPoint)
	assert.Equal(t, 1, tr.State().FramesWithoutTarget)
}

func TestSelectStaticTarget(t *testing.T) {
	tr, _ := newTestTracker(nil)
	cfg := tr.Config()

	for i := 0; i < cfg.MinLockFrames+20; i++ {
		p, ok := tr.Select([]target.Candidate{cand(1000, 540, 0.9)}, screenW, screenH)
		require.True(t, ok)
		assert.InDelta(t, 1000, p.X, 1e-9, "frame %d", i)
		assert.InDelta(t, 540, p.Y, 1e-9, "frame %d", i)
	}

	st := tr.State()
	assert.Equal(t, BucketID(1000, 540, cfg.IDBucketSize), st.LockedID)
	assert.Equal(t, cfg.MinLockFrames+19, st.LockFrames)
	assert.False(t, st.AttackProtectionActive)
}

func TestLockStickiness(t *testing.T) {
	// Pure confidence scoring makes the score margin easy to reason about.
	tr, _ := newTestTracker(func(c *Config) { c.DistanceWeight = 0 })
	cfg := tr.Config()

	locked := cand(100, 100, 0.7)
	rival := cand(800, 800, 0.8) // 0.8 vs 0.7+bonus: margin 0.05 < threshold

	_, ok := tr.Select([]target.Candidate{locked}, screenW, screenH)
	require.True(t, ok)
	lockID := tr.State().LockID

	for i := 0; i < cfg.MinLockFrames*3; i++ {
		p, ok := tr.Select([]target.Candidate{rival, locked}, screenW, screenH)
		require.True(t, ok)
		assert.Equal(t, target.Point{X: 100, Y: 100}, p, "frame %d", i)
	}
	assert.Equal(t, lockID, tr.State().LockID)
	assert.False(t, tr.Decision().Switched)
}

func TestLockSwitching(t *testing.T) {
	tr, _ := newTestTracker(func(c *Config) { c.DistanceWeight = 0 })
	cfg := tr.Config()

	locked := cand(100, 100, 0.7)
	rival := cand(800, 800, 1.0) // margin 0.25 > threshold 0.2

	_, ok := tr.Select([]target.Candidate{locked}, screenW, screenH)
	require.True(t, ok)
	firstLock := tr.State().LockID

	// The rival must wait out the minimum lock period.
	for i := 0; i < cfg.MinLockFrames; i++ {
		p, ok := tr.Select([]target.Candidate{locked, rival}, screenW, screenH)
		require.True(t, ok)
		require.Equal(t, target.Point{X: 100, Y: 100}, p, "frame %d", i)
	}
	require.Equal(t, cfg.MinLockFrames, tr.State().LockFrames)

	p, ok := tr.Select([]target.Candidate{locked, rival}, screenW, screenH)
	require.True(t, ok)

	// Snap on switch: the output is exactly the new raw point.
	assert.Equal(t, target.Point{X: 800, Y: 800}, p)
	st := tr.State()
	assert.Equal(t, 0, st.LockFrames)
	assert.Equal(t, BucketID(800, 800, cfg.IDBucketSize), st.LockedID)
	assert.NotEqual(t, firstLock, st.LockID)

	dec := tr.Decision()
	assert.True(t, dec.Switched)
	assert.False(t, dec.Acquired)
	assert.InDelta(t, 0.25, dec.ScoreDiff, 1e-9)
}

func TestLostTargetForgetting(t *testing.T) {
	tr, _ := newTestTracker(nil)
	cfg := tr.Config()

	_, ok := tr.Select([]target.Candidate{cand(500, 500, 0.9)}, screenW, screenH)
	require.True(t, ok)

	for i := 0; i < cfg.MaxLostFrames; i++ {
		_, ok := tr.Select(nil, screenW, screenH)
		require.False(t, ok)
	}
	require.False(t, tr.State().Searching(), "lock must survive MaxLostFrames empty frames")

	_, ok = tr.Select(nil, screenW, screenH)
	require.False(t, ok)

	st := tr.State()
	assert.True(t, st.Searching())
	assert.Empty(t, st.LockedID)
	assert.Nil(t, st.LastPoint)
	assert.Empty(t, st.ConfidenceHistory)
	assert.True(t, tr.Decision().Lost)
}

func TestReacquireAfterShortDropout(t *testing.T) {
	tr, _ := newTestTracker(nil)
	cfg := tr.Config()

	for i := 0; i < 5; i++ {
		_, ok := tr.Select([]target.Candidate{cand(500, 500, 0.9)}, screenW, screenH)
		require.True(t, ok)
	}
	before := tr.State()

	for i := 0; i < cfg.MaxLostFrames-1; i++ {
		_, ok := tr.Select(nil, screenW, screenH)
		require.False(t, ok)
	}

	p, ok := tr.Select([]target.Candidate{cand(504, 503, 0.9)}, screenW, screenH)
	require.True(t, ok)

	after := tr.State()
	assert.Equal(t, before.LockID, after.LockID)
	assert.Equal(t, before.LockFrames+1, after.LockFrames)
	assert.Equal(t, 0, after.FramesWithoutTarget)
	assert.False(t, tr.Decision().Acquired)

	// Smoothing continues from the pre-dropout point.
	a := cfg.SmoothingAlpha
	assert.InDelta(t, a*504+(1-a)*500, p.X, 1e-9)
	assert.InDelta(t, a*503+(1-a)*500, p.Y, 1e-9)
}

func TestVanishedLockReacquiresFresh(t *testing.T) {
	tr, _ := newTestTracker(nil)

	_, ok := tr.Select([]target.Candidate{cand(200, 200, 0.9)}, screenW, screenH)
	require.True(t, ok)
	first := tr.State().LockID

	// Far outside the identity radius.
	p, ok := tr.Select([]target.Candidate{cand(1500, 900, 0.8)}, screenW, screenH)
	require.True(t, ok)
	assert.Equal(t, target.Point{X: 1500, Y: 900}, p)
	assert.NotEqual(t, first, tr.State().LockID)
	assert.True(t, tr.Decision().Acquired)
	assert.Equal(t, 0, tr.State().LockFrames)
}

func TestBucketFallbackKeepsLock(t *testing.T) {
	tr, _ := newTestTracker(func(c *Config) { c.SmoothingAlpha = 1 })

	_, ok := tr.Select([]target.Candidate{cand(119, 100, 0.9)}, screenW, screenH)
	require.True(t, ok)
	lockedID := tr.State().LockedID

	// Crosses a bucket edge but stays within the identity distance.
	p, ok := tr.Select([]target.Candidate{cand(121, 100, 0.9)}, screenW, screenH)
	require.True(t, ok)
	assert.Equal(t, target.Point{X: 121, Y: 100}, p)
	assert.NotEqual(t, BucketID(121, 100, 20), lockedID)
	assert.Equal(t, lockedID, tr.State().LockedID)
	assert.Equal(t, 1, tr.State().LockFrames)
}

func TestConfidenceAttackResistance(t *testing.T) {
	tr, _ := newTestTracker(nil)
	cfg := tr.Config()

	locked := cand(1000, 540, 0.9)
	rival := cand(500, 300, 0.6)

	for i := 0; i < cfg.ConfidenceHistorySize+cfg.MinLockFrames; i++ {
		_, ok := tr.Select([]target.Candidate{locked, rival}, screenW, screenH)
		require.True(t, ok)
	}
	lockID := tr.State().LockID

	attacked := cand(1000, 540, 0.3)
	for i := 0; i < 3; i++ {
		p, ok := tr.Select([]target.Candidate{attacked, rival}, screenW, screenH)
		require.True(t, ok)
		assert.InDelta(t, 1000, p.X, 1e-9, "frame %d", i)
		assert.InDelta(t, 540, p.Y, 1e-9, "frame %d", i)
		dec := tr.Decision()
		assert.False(t, dec.Switched, "frame %d", i)
		assert.True(t, dec.AttackProtection, "frame %d", i)
		assert.True(t, dec.FloorApplied, "frame %d", i)
	}
	assert.Equal(t, lockID, tr.State().LockID)
}

// A close rival with confidence-heavy scoring wins on the first collapsed
// frame unless protection floors the locked candidate on that same frame.
func TestConfidenceAttackNeedsProtection(t *testing.T) {
	tests := []struct {
		name       string
		trigger    int
		wantSwitch bool
	}{
		{name: "protection on", trigger: 1, wantSwitch: false},
		{name: "protection off", trigger: 1 << 30, wantSwitch: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(func(c *Config) {
				c.DistanceWeight = 0.3
				c.AttackTriggerFrames = tt.trigger
			})
			cfg := tr.Config()

			locked := cand(1000, 540, 0.9)
			rival := cand(1150, 540, 0.8)
			for i := 0; i < cfg.ConfidenceHistorySize+cfg.MinLockFrames; i++ {
				tr.Select([]target.Candidate{locked, rival}, screenW, screenH)
			}
			require.InDelta(t, 1000, tr.State().LastPoint.X, 1e-9)
			lockID := tr.State().LockID

			switched := false
			for i := 0; i < 3; i++ {
				tr.Select([]target.Candidate{cand(1000, 540, 0.3), rival}, screenW, screenH)
				dec := tr.Decision()
				switched = switched || dec.Switched
				if !tt.wantSwitch {
					assert.True(t, dec.FloorApplied, "frame %d", i)
					assert.Less(t, dec.ScoreDiff, cfg.SwitchThreshold, "frame %d", i)
				}
			}
			assert.Equal(t, tt.wantSwitch, switched)
			assert.Equal(t, tt.wantSwitch, lockID != tr.State().LockID)
		})
	}
}

func TestAttackProtectionClears(t *testing.T) {
	tr, _ := newTestTracker(nil)
	cfg := tr.Config()

	for i := 0; i < cfg.ConfidenceHistorySize; i++ {
		tr.Select([]target.Candidate{cand(1000, 540, 0.9)}, screenW, screenH)
	}
	for i := 0; i < 3; i++ {
		tr.Select([]target.Candidate{cand(1000, 540, 0.3)}, screenW, screenH)
	}
	require.True(t, tr.State().AttackProtectionActive)

	for i := 0; i < cfg.ConfidenceHistorySize; i++ {
		tr.Select([]target.Candidate{cand(1000, 540, 0.9)}, screenW, screenH)
	}
	assert.False(t, tr.State().AttackProtectionActive)
	assert.Zero(t, tr.State().UnderAttackFrames)
}

func TestCombatMode(t *testing.T) {
	tr, _ := newTestTracker(func(c *Config) { c.CombatModeFrames = 5 })

	for i := 0; i < 6; i++ {
		tr.Select([]target.Candidate{cand(700, 400, 0.9)}, screenW, screenH)
	}
	assert.False(t, tr.State().CombatMode)

	tr.Select([]target.Candidate{cand(700, 400, 0.9)}, screenW, screenH)
	assert.True(t, tr.State().CombatMode)
	assert.Equal(t, 6, tr.State().LockFrames)

	cfg := tr.Config()
	assert.InDelta(t, cfg.SwitchThreshold*cfg.CombatSwitchMultiplier, tr.switchThreshold(cfg), 1e-12)
}

func TestPrediction(t *testing.T) {
	tr, clock := newTestTracker(func(c *Config) {
		c.SmoothingAlpha = 1
		c.PredictionEnabled = true
		c.VelocitySmoothing = 1
		c.PredictDelaySeconds = 0.03
	})
	step := 10 * time.Millisecond

	p, ok := tr.Select([]target.Candidate{cand(100, 500, 0.9)}, screenW, screenH)
	require.True(t, ok)
	assert.InDelta(t, 100, p.X, 1e-9)

	clock.Advance(step)
	p, _ = tr.Select([]target.Candidate{cand(105, 500, 0.9)}, screenW, screenH)
	assert.InDelta(t, 120, p.X, 1e-6) // 105 + 500px/s * 0.03s
	assert.InDelta(t, 500, p.Y, 1e-6)

	clock.Advance(step)
	p, _ = tr.Select([]target.Candidate{cand(110, 500, 0.9)}, screenW, screenH)
	assert.InDelta(t, 125, p.X, 1e-6)

	// 60px in 10ms is 6000px/s: a glitch, so prediction resets.
	clock.Advance(step)
	p, _ = tr.Select([]target.Candidate{cand(170, 500, 0.9)}, screenW, screenH)
	assert.InDelta(t, 170, p.X, 1e-6)
	assert.True(t, tr.Decision().VelocityRejected)
	assert.False(t, tr.Decision().Acquired)

	clock.Advance(step)
	p, _ = tr.Select([]target.Candidate{cand(175, 500, 0.9)}, screenW, screenH)
	assert.InDelta(t, 190, p.X, 1e-6)
	assert.False(t, tr.Decision().VelocityRejected)
}

func TestPredictionClampedToScreen(t *testing.T) {
	tr, clock := newTestTracker(func(c *Config) {
		c.SmoothingAlpha = 1
		c.PredictionEnabled = true
		c.VelocitySmoothing = 1
		c.PredictDelaySeconds = 0.1
	})

	tr.Select([]target.Candidate{cand(1900, 540, 0.9)}, screenW, screenH)
	clock.Advance(10 * time.Millisecond)
	p, ok := tr.Select([]target.Candidate{cand(1915, 540, 0.9)}, screenW, screenH)
	require.True(t, ok)
	assert.Equal(t, float64(screenW-1), p.X)
}

func TestResetClearsEverything(t *testing.T) {
	tr, _ := newTestTracker(nil)
	for i := 0; i < 5; i++ {
		tr.Select([]target.Candidate{cand(300, 300, 0.9)}, screenW, screenH)
	}
	tr.Reset()

	st := tr.State()
	assert.True(t, st.Searching())
	assert.Nil(t, st.LastPoint)
	assert.Zero(t, st.LockFrames)
	assert.Empty(t, st.ConfidenceHistory)

	p, ok := tr.Select([]target.Candidate{cand(600, 600, 0.9)}, screenW, screenH)
	require.True(t, ok)
	assert.Equal(t, target.Point{X: 600, Y: 600}, p)
	assert.True(t, tr.Decision().Acquired)
}

func TestUpdateConfigTakesEffect(t *testing.T) {
	tr, _ := newTestTracker(func(c *Config) { c.DistanceWeight = 0 })

	tr.Select([]target.Candidate{cand(100, 100, 0.7)}, screenW, screenH)

	cfg := tr.Config()
	cfg.MinLockFrames = 0
	tr.UpdateConfig(cfg)

	p, _ := tr.Select([]target.Candidate{cand(100, 100, 0.7), cand(800, 800, 1.0)}, screenW, screenH)
	assert.Equal(t, target.Point{X: 800, Y: 800}, p)
	assert.True(t, tr.Decision().Switched)
}

func TestBucketID(t *testing.T) {
	assert.Equal(t, "5_5", BucketID(119, 100, 20))
	assert.Equal(t, "6_5", BucketID(121, 100, 20))
	assert.Equal(t, "-1_0", BucketID(-3, 4, 20))
	assert.Equal(t, "7_9", BucketID(7.5, 9.2, 0))
}

func TestMedian(t *testing.T) {
	assert.Zero(t, median(nil))
	assert.Equal(t, 0.9, median([]float64{0.9, 0.3, 0.9, 0.9}))
	xs := []float64{3, 1, 2}
	assert.Equal(t, 2.0, median(xs))
	assert.Equal(t, []float64{3, 1, 2}, xs)
}
