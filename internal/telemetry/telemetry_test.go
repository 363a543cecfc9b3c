package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/trackpoint/internal/config"
	"github.com/banshee-data/trackpoint/internal/timeutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telemetry.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func sampleFrames() []Frame {
	return []Frame{
		{Time: t0, Frame: 1, Candidates: 2, Selected: true, X: 1000, Y: 540, RawX: 1000, RawY: 540,
			Confidence: 0.9, Score: 0.95, LockID: "lock-a", Acquired: true},
		{Time: t0.Add(16 * time.Millisecond), Frame: 2, Candidates: 0},
		{Time: t0.Add(32 * time.Millisecond), Frame: 3, Candidates: 1, Selected: true, X: 1001.5, Y: 540.25,
			RawX: 1002, RawY: 540, Confidence: 0.3, Score: 0.91, LockID: "lock-a", LockFrames: 1,
			AttackProtection: true, CombatMode: true},
	}
}

func sampleTicks() []Tick {
	return []Tick{
		{Time: t0, Frame: 1, Mode: "far", ErrorX: 100, Distance: 100, DX: 60, SubSteps: 1, GainScale: 1},
		{Time: t0.Add(time.Millisecond), Frame: 1, Mode: "near", ErrorX: 25, ErrorY: -3, Distance: 25.18,
			DX: 10, DY: -1, SubSteps: 1, Overshoot: true, GainScale: 0.7, Err: "motion: actuator unavailable"},
	}
}

func TestMemorySink(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	var sink Sink = Tee{m, Nop{}}

	for _, f := range sampleFrames() {
		sink.RecordFrame(f)
	}
	for _, tk := range sampleTicks() {
		sink.RecordTick(tk)
	}
	if diff := cmp.Diff(sampleFrames(), m.Frames()); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, m.Ticks(), 2)
}

func TestStoreSessions(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	kp := 0.33
	first, err := s.OpenSession(ctx, "static", &config.TuningConfig{Kp: &kp})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Contains(t, first.ConfigJSON, `"kp":0.33`)

	second, err := s.OpenSession(ctx, "linear", nil)
	require.NoError(t, err)

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	ids := []string{sessions[0].ID, sessions[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
	for _, sess := range sessions {
		if sess.ID == second.ID {
			assert.Empty(t, sess.ConfigJSON)
			assert.Equal(t, "linear", sess.Name)
		}
	}
}

func TestStoreFramesAndTicksRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	sess, err := s.OpenSession(ctx, "roundtrip", nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertFrames(ctx, sess.ID, sampleFrames()))
	require.NoError(t, s.InsertTicks(ctx, sess.ID, sampleTicks()))

	frames, err := s.Frames(ctx, sess.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(sampleFrames(), frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}

	ticks, err := s.Ticks(ctx, sess.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(sampleTicks(), ticks); diff != "" {
		t.Errorf("ticks mismatch (-want +got):\n%s", diff)
	}

	other, err := s.Ticks(ctx, "no-such-session")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStoreReopenKeepsData(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	sess, err := s.OpenSession(ctx, "persist", nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertTicks(ctx, sess.ID, sampleTicks()))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	ticks, err := reopened.Ticks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, ticks, 2)
}

func TestInsertRequiresSession(t *testing.T) {
	s, _ := openTestStore(t)
	err := s.InsertFrames(context.Background(), "missing", sampleFrames())
	assert.Error(t, err, "foreign keys are enforced")
}

func TestRecorderFlushesOnClose(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	sess, err := s.OpenSession(ctx, "recorder", nil)
	require.NoError(t, err)

	rec := NewRecorder(RecorderConfig{Store: s, SessionID: sess.ID, BatchSize: 2})
	for _, f := range sampleFrames() {
		rec.RecordFrame(f)
	}
	for _, tk := range sampleTicks() {
		rec.RecordTick(tk)
	}
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	assert.Equal(t, uint64(5), rec.Written())
	assert.Zero(t, rec.Dropped())

	frames, err := s.Frames(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	ticks, err := s.Ticks(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, ticks, 2)

	rec.RecordTick(Tick{})
	assert.Equal(t, uint64(1), rec.Dropped())
}

func TestRecorderFlushesOnInterval(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	sess, err := s.OpenSession(ctx, "interval", nil)
	require.NoError(t, err)

	rec := NewRecorder(RecorderConfig{Store: s, SessionID: sess.ID, FlushInterval: 5 * time.Millisecond})
	defer rec.Close()
	rec.RecordTick(sampleTicks()[0])

	require.Eventually(t, func() bool { return rec.Written() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRecorderFlushesOnMockClock(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	sess, err := s.OpenSession(ctx, "mock-interval", nil)
	require.NoError(t, err)

	clock := timeutil.NewMockClock(t0)
	rec := NewRecorder(RecorderConfig{Store: s, SessionID: sess.ID, FlushInterval: time.Second, Clock: clock})
	defer rec.Close()
	rec.RecordFrame(sampleFrames()[0])
	rec.RecordTick(sampleTicks()[0])

	assert.Never(t, func() bool { return rec.Written() > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"nothing flushes before the interval elapses")

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return rec.Written() == 2
	}, 2*time.Second, 5*time.Millisecond)

	frames, err := s.Frames(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
}

func TestRecorderReportsWriteErrors(t *testing.T) {
	s, _ := openTestStore(t)
	rec := NewRecorder(RecorderConfig{Store: s, SessionID: "missing"})
	rec.RecordFrame(sampleFrames()[0])
	assert.Error(t, rec.Close())
}
