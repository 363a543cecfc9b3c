package motion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/trackpoint/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxLatestWins(t *testing.T) {
	t.Parallel()
	m := NewMailbox(nil)

	assert.False(t, m.Offer(Command{TargetX: 1}))
	assert.True(t, m.Offer(Command{TargetX: 2}))
	assert.True(t, m.Offer(Command{TargetX: 3}))
	assert.True(t, m.Pending())

	cmd, ok := m.Take(context.Background(), 10*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 3, cmd.TargetX)
	assert.False(t, m.Pending())

	offered, replaced := m.Stats()
	assert.Equal(t, uint64(3), offered)
	assert.Equal(t, uint64(2), replaced)
}

func TestMailboxTryTake(t *testing.T) {
	t.Parallel()
	m := NewMailbox(nil)

	_, ok := m.TryTake()
	assert.False(t, ok)

	m.Offer(Command{TargetX: 7, Frame: 3})
	cmd, ok := m.TryTake()
	require.True(t, ok)
	assert.Equal(t, Command{TargetX: 7, Frame: 3}, cmd)

	_, ok = m.TryTake()
	assert.False(t, ok)
}

func TestMailboxTakeTimeout(t *testing.T) {
	t.Parallel()
	m := NewMailbox(nil)

	start := time.Now()
	_, ok := m.Take(context.Background(), 5*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestMailboxTakeCancelled(t *testing.T) {
	t.Parallel()
	m := NewMailbox(nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := m.Take(ctx, 0)
		done <- ok
	}()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Take did not return after cancellation")
	}
}

func TestMailboxTakeWakesOnOffer(t *testing.T) {
	t.Parallel()
	m := NewMailbox(nil)

	go func() {
		time.Sleep(2 * time.Millisecond)
		m.Offer(Command{TargetX: 42})
	}()
	cmd, ok := m.Take(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, 42, cmd.TargetX)
}

func TestMailboxConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()
	m := NewMailbox(nil)
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			m.Offer(Command{TargetX: i})
		}
	}()

	last := 0
	for last < n {
		cmd, ok := m.Take(context.Background(), time.Second)
		require.True(t, ok, "producer stalled at %d", last)
		require.Greater(t, cmd.TargetX, last, "commands must never go backwards")
		last = cmd.TargetX
	}
	wg.Wait()

	offered, replaced := m.Stats()
	assert.Equal(t, uint64(n), offered)
	assert.Less(t, replaced, uint64(n))
}

func TestMailboxTakeTimesOutOnClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMailbox(clock)

	done := make(chan bool, 1)
	go func() {
		_, ok := m.Take(context.Background(), 50*time.Millisecond)
		done <- ok
	}()

	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(49 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Take returned before its timeout")
	case <-time.After(5 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Take did not time out")
	}
}
