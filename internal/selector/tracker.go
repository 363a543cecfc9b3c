package selector

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/banshee-data/trackpoint/internal/target"
	"github.com/banshee-data/trackpoint/internal/timeutil"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"
)

// LockState is the tracker's memory across frames.
//
// LockedID is empty iff LastPoint is nil iff the tracker is searching.
// LockFrames resets to zero exactly when a new lock is taken (LockID
// changes).
type LockState struct {
	LockedID            string        // bucket ID of the locked candidate at acquisition
	LockID              string        // unique per acquisition, for telemetry correlation
	LockFrames          int           // consecutive frames the lock has been held
	LastPoint           *target.Point // last output point (post smoothing/prediction)
	FramesWithoutTarget int

	ConfidenceHistory      []float64 // oldest first, bounded by ConfidenceHistorySize
	UnderAttackFrames      int
	AttackProtectionActive bool
	CombatMode             bool
}

// Searching reports whether the tracker holds no lock.
func (s LockState) Searching() bool {
	return s.LockedID == ""
}

// Decision describes what Select did on its latest call. It is returned
// as data so callers can log or record it without the tracker doing I/O.
type Decision struct {
	Frame      uint64
	Candidates int
	Selected   bool
	Point      target.Point // final output
	Raw        target.Point // selected candidate before smoothing
	Confidence float64      // raw confidence of the selected candidate
	Score      float64
	ScoreDiff  float64 // best score minus locked score, when a lock was matched

	LockID     string
	LockFrames int

	Acquired bool // a fresh lock was taken (first target, or the old one vanished)
	Switched bool // an existing matched lock was replaced by a better candidate
	Lost     bool // the lock was forgotten after too many empty frames

	AttackProtection bool
	CombatMode       bool
	FloorApplied     bool // the locked candidate's confidence score was floor-clamped
	VelocityRejected bool // an implausible velocity sample reset prediction
}

type scoredCandidate struct {
	cand  target.Candidate
	score float64
}

// motionState holds the velocity/acceleration estimate built from raw
// (unsmoothed) positions.
type motionState struct {
	primed   bool
	lastRaw  target.Point
	lastTime time.Time
	vel      target.Point
	hasVel   bool
	acc      target.Point
	hasAcc   bool
}

// Tracker selects one target point per frame. See the package doc.
type Tracker struct {
	cfg   atomic.Pointer[Config]
	clock timeutil.Clock

	state       LockState
	smoothed    target.Point
	hasSmoothed bool
	motion      motionState

	frame    uint64
	decision Decision
}

// NewTracker creates a Tracker. A nil clock uses the real clock.
func NewTracker(cfg Config, clock timeutil.Clock) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	t := &Tracker{clock: clock}
	t.cfg.Store(&cfg)
	return t
}

// UpdateConfig replaces the tuning snapshot. Safe to call from any
// goroutine; it takes effect on the next Select.
func (t *Tracker) UpdateConfig(cfg Config) {
	t.cfg.Store(&cfg)
}

// Config returns the current tuning snapshot.
func (t *Tracker) Config() Config {
	return *t.cfg.Load()
}

// State returns a copy of the lock state.
func (t *Tracker) State() LockState {
	s := t.state
	s.ConfidenceHistory = append([]float64(nil), t.state.ConfidenceHistory...)
	if t.state.LastPoint != nil {
		p := *t.state.LastPoint
		s.LastPoint = &p
	}
	return s
}

// Decision returns the diagnostics of the latest Select call.
func (t *Tracker) Decision() Decision {
	return t.decision
}

// Reset forgets the lock, histories, smoothing and prediction state.
func (t *Tracker) Reset() {
	t.state = LockState{}
	t.smoothed = target.Point{}
	t.hasSmoothed = false
	t.motion = motionState{}
}

// BucketID returns the coarse spatial hash of (x, y) for the given bucket
// size. Non-positive sizes fall back to one pixel.
func BucketID(x, y, bucket float64) string {
	if bucket <= 0 {
		bucket = 1
	}
	return fmt.Sprintf("%d_%d", int(math.Floor(x/bucket)), int(math.Floor(y/bucket)))
}

// Select picks this frame's target from candidates and returns the
// (smoothed, optionally predicted) point, clamped to the screen. It
// returns false when there is nothing to aim at this frame; a short run
// of empty frames keeps the lock so brief detector dropouts are ridden out.
func (t *Tracker) Select(candidates []target.Candidate, screenWidth, screenHeight int) (target.Point, bool) {
	cfg := *t.cfg.Load()
	now := t.clock.Now()
	t.frame++
	dec := Decision{Frame: t.frame, Candidates: len(candidates)}

	if len(candidates) == 0 {
		t.state.FramesWithoutTarget++
		if t.state.FramesWithoutTarget > cfg.MaxLostFrames {
			dec.Lost = !t.state.Searching()
			t.Reset()
		}
		dec.LockID = t.state.LockID
		dec.LockFrames = t.state.LockFrames
		dec.AttackProtection = t.state.AttackProtectionActive
		dec.CombatMode = t.state.CombatMode
		t.decision = dec
		return target.Point{}, false
	}

	screen := target.ScreenSize{Width: screenWidth, Height: screenHeight}
	scored := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		c.ID = BucketID(c.X, c.Y, cfg.IDBucketSize)
		if math.IsNaN(c.Confidence) {
			c.Confidence = 0
		}
		scored[i].cand = c
	}

	lockedIdx := -1
	if !t.state.Searching() {
		lockedIdx = t.matchLocked(scored, cfg)
	}
	if lockedIdx >= 0 {
		// The drop check runs before scoring so a collapse is floored on
		// the frame it appears.
		t.updateConfidence(scored[lockedIdx].cand.Confidence, cfg)
	}

	dec.FloorApplied = t.score(scored, lockedIdx, screen, cfg)

	best := 0
	for i := range scored {
		if scored[i].score > scored[best].score {
			best = i
		}
	}

	selected := best
	fresh := false
	switch {
	case lockedIdx >= 0:
		diff := scored[best].score - scored[lockedIdx].score
		dec.ScoreDiff = diff
		if best != lockedIdx && t.state.LockFrames >= cfg.MinLockFrames && diff > t.switchThreshold(cfg) {
			fresh = true
			dec.Switched = true
		} else {
			selected = lockedIdx
			t.state.LockFrames++
		}
	default:
		fresh = true
		dec.Acquired = true
	}

	chosen := scored[selected].cand
	if fresh {
		t.acquire(chosen)
		t.updateConfidence(chosen.Confidence, cfg)
	} else if !t.state.CombatMode && t.state.LockFrames > cfg.CombatModeFrames {
		t.state.CombatMode = true
	}

	raw := chosen.Point()
	if fresh || !t.hasSmoothed {
		t.smoothed = raw
		t.hasSmoothed = true
	} else {
		a := cfg.SmoothingAlpha
		t.smoothed = raw.Scale(a).Add(t.smoothed.Scale(1 - a))
	}

	out := t.smoothed
	if cfg.PredictionEnabled {
		var rejected bool
		out, rejected = t.predict(raw, out, now, fresh, cfg)
		dec.VelocityRejected = rejected
	} else {
		t.motion = motionState{}
	}

	out = out.Clamp(screenWidth, screenHeight)
	t.state.LastPoint = &out
	t.state.FramesWithoutTarget = 0

	dec.Selected = true
	dec.Point = out
	dec.Raw = raw
	dec.Confidence = chosen.Confidence
	dec.Score = scored[selected].score
	dec.LockID = t.state.LockID
	dec.LockFrames = t.state.LockFrames
	dec.AttackProtection = t.state.AttackProtectionActive
	dec.CombatMode = t.state.CombatMode
	t.decision = dec
	return out, true
}

// matchLocked finds the locked candidate: first by bucket ID within the
// identity distance of the last point, then by nearest distance within a
// radius that doubles while protection or combat mode is active.
func (t *Tracker) matchLocked(scored []scoredCandidate, cfg Config) int {
	last := *t.state.LastPoint
	for i, sc := range scored {
		if sc.cand.ID == t.state.LockedID && sc.cand.Point().Dist(last) < cfg.IdentityDistance {
			return i
		}
	}

	radius := cfg.IdentityDistance
	if t.state.AttackProtectionActive || t.state.CombatMode {
		radius *= 2
	}
	nearest, nearestDist := -1, math.Inf(1)
	for i, sc := range scored {
		d := sc.cand.Point().Dist(last)
		if d < radius && d < nearestDist {
			nearest, nearestDist = i, d
		}
	}
	return nearest
}

// score fills in each candidate's composite score. It reports whether the
// locked candidate's confidence was raised to the protection floor.
func (t *Tracker) score(scored []scoredCandidate, lockedIdx int, screen target.ScreenSize, cfg Config) bool {
	ref := screen.Center()
	if t.state.LastPoint != nil {
		ref = *t.state.LastPoint
	}
	diag := screen.Diagonal()
	w := cfg.DistanceWeight

	floorApplied := false
	for i := range scored {
		c := scored[i].cand
		normDist := c.Point().Dist(ref) / diag
		conf := c.Confidence
		if i == lockedIdx {
			if floor, ok := t.confidenceFloor(cfg); ok && conf < floor {
				conf = floor
				floorApplied = true
			}
		}
		s := w*(1-normDist) + (1-w)*conf
		if i == lockedIdx {
			if t.state.CombatMode {
				s += cfg.CombatLockBonus
			} else {
				s += cfg.LockBonus
			}
		}
		scored[i].score = s
	}
	return floorApplied
}

// confidenceFloor returns the minimum confidence score granted to the
// locked candidate while protection or combat mode is active.
func (t *Tracker) confidenceFloor(cfg Config) (float64, bool) {
	if !t.state.AttackProtectionActive && !t.state.CombatMode {
		return 0, false
	}
	if len(t.state.ConfidenceHistory) == 0 {
		return 0, false
	}
	ratio := cfg.ConfidenceFloorRatio
	if t.state.CombatMode {
		ratio = cfg.CombatConfidenceFloorRatio
	}
	return median(t.state.ConfidenceHistory) * ratio, true
}

func (t *Tracker) switchThreshold(cfg Config) float64 {
	thr := cfg.SwitchThreshold
	if t.state.AttackProtectionActive {
		thr *= cfg.AttackSwitchMultiplier
	}
	if t.state.CombatMode {
		thr *= cfg.CombatSwitchMultiplier
	}
	return thr
}

// acquire takes a fresh lock on c. Confidence history, attack state and
// combat mode belong to the previous target and are cleared.
func (t *Tracker) acquire(c target.Candidate) {
	t.state.LockedID = c.ID
	t.state.LockID = uuid.NewString()
	t.state.LockFrames = 0
	t.state.ConfidenceHistory = t.state.ConfidenceHistory[:0]
	t.state.UnderAttackFrames = 0
	t.state.AttackProtectionActive = false
	t.state.CombatMode = false
}

// updateConfidence records the locked candidate's raw confidence and
// advances the attack-protection hysteresis. A drop is detected when the
// mean of the trailing window, this frame included, falls below the
// median of the older samples by more than the drop threshold.
func (t *Tracker) updateConfidence(conf float64, cfg Config) {
	size := cfg.ConfidenceHistorySize
	if size < 1 {
		size = 1
	}
	h := append(t.state.ConfidenceHistory, conf)
	if len(h) > size {
		h = h[len(h)-size:]
	}
	t.state.ConfidenceHistory = h

	window := cfg.AttackWindow
	if window < 1 {
		window = 1
	}
	if len(h) <= window {
		return
	}

	split := len(h) - window
	baseline := median(h[:split])
	recent := stat.Mean(h[split:], nil)
	if recent < baseline*(1-cfg.ConfidenceDropThreshold) {
		t.state.UnderAttackFrames++
	} else if t.state.UnderAttackFrames > 0 {
		t.state.UnderAttackFrames--
	}

	switch {
	case t.state.UnderAttackFrames >= cfg.AttackTriggerFrames:
		t.state.AttackProtectionActive = true
	case t.state.UnderAttackFrames == 0:
		t.state.AttackProtectionActive = false
	}
}

// predict extrapolates base forward by the configured lookahead using a
// smoothed velocity (and optionally acceleration) estimated from raw
// positions. It reports whether the sample was rejected as a glitch.
func (t *Tracker) predict(raw, base target.Point, now time.Time, fresh bool, cfg Config) (target.Point, bool) {
	m := &t.motion
	if fresh || !m.primed {
		*m = motionState{primed: true, lastRaw: raw, lastTime: now}
		return base, false
	}

	dt := now.Sub(m.lastTime)
	if dt <= 0 {
		return base.Add(m.extrapolation(cfg)), false
	}
	if cfg.MaxPredictGap > 0 && dt > cfg.MaxPredictGap {
		*m = motionState{primed: true, lastRaw: raw, lastTime: now}
		return base, false
	}

	secs := dt.Seconds()
	inst := raw.Sub(m.lastRaw).Scale(1 / secs)
	if cfg.MaxVelocity > 0 && inst.Norm() > cfg.MaxVelocity {
		*m = motionState{primed: true, lastRaw: raw, lastTime: now}
		return base, true
	}

	beta := cfg.VelocitySmoothing
	vel := inst
	if m.hasVel {
		vel = inst.Scale(beta).Add(m.vel.Scale(1 - beta))
	}
	if cfg.AccelerationEnabled && m.hasVel {
		instAcc := vel.Sub(m.vel).Scale(1 / secs)
		if m.hasAcc {
			m.acc = instAcc.Scale(beta).Add(m.acc.Scale(1 - beta))
		} else {
			m.acc = instAcc
		}
		m.hasAcc = true
	}
	m.vel = vel
	m.hasVel = true
	m.lastRaw = raw
	m.lastTime = now

	return base.Add(m.extrapolation(cfg)), false
}

// extrapolation returns v*t + 0.5*a*t^2 for the configured lookahead.
func (m *motionState) extrapolation(cfg Config) target.Point {
	if !m.hasVel {
		return target.Point{}
	}
	lt := cfg.PredictDelaySeconds
	off := m.vel.Scale(lt)
	if cfg.AccelerationEnabled && m.hasAcc {
		off = off.Add(m.acc.Scale(0.5 * lt * lt))
	}
	return off
}

// median returns the lower median of xs, the robust baseline for
// confidence history. xs is not modified.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}
