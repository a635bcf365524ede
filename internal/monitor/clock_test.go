package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questly/questmonitor/internal/quest"
)

func TestServerClockSync(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	sc := NewServerClock(clock)

	// The request takes 200ms; the server answers with its time at the midpoint.
	err := sc.Sync(context.Background(), func(context.Context) (time.Time, error) {
		clock.Advance(100 * time.Millisecond)
		server := clock.Now().Add(2*time.Second + 300*time.Microsecond)
		clock.Advance(100 * time.Millisecond)
		return server, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, sc.Offset())
	assert.True(t, sc.Now().Equal(clock.Now().Add(2*time.Second)))

	err = sc.Sync(context.Background(), func(context.Context) (time.Time, error) {
		return time.Time{}, errors.New("offline")
	})
	require.Error(t, err)
	assert.Equal(t, 2*time.Second, sc.Offset(), "a failed sync keeps the previous offset")
}

func TestFormatTimer(t *testing.T) {
	start := t0
	tests := []struct {
		name   string
		status quest.Status
		start  *time.Time
		now    time.Time
		want   string
	}{
		{"countdown", quest.StatusScheduled, &start, t0.Add(-(2*time.Hour + 3*time.Minute + 4*time.Second)), "02:03:04"},
		{"countdown clamps", quest.StatusScheduled, &start, t0.Add(time.Minute), "00:00:00"},
		{"elapsed", quest.StatusInProgress, &start, t0.Add(61 * time.Second), "00:01:01"},
		{"elapsed clamps", quest.StatusInProgress, &start, t0.Add(-time.Second), "00:00:00"},
		{"long elapsed", quest.StatusInProgress, &start, t0.Add(26 * time.Hour), "26:00:00"},
		{"completed", quest.StatusCompleted, &start, t0, ""},
		{"cancelled", quest.StatusCancelled, &start, t0, ""},
		{"no start", quest.StatusScheduled, nil, t0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatTimer(tt.status, tt.start, tt.now))
		})
	}
}

func TestSchedulerFiresOncePerArm(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	fired := make(chan struct{}, 4)
	s := NewScheduler(clock, func() { fired <- struct{}{} })

	s.Arm(5 * time.Second)
	assert.True(t, s.Armed())
	clock.Advance(4 * time.Second)
	assertNotFired(t, fired)

	clock.Advance(time.Second)
	assertFired(t, fired)
	assert.False(t, s.Armed())

	clock.Advance(time.Minute)
	assertNotFired(t, fired)
}

func TestSchedulerRearmReplacesPendingRun(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	var count atomic.Int32
	fired := make(chan struct{}, 4)
	s := NewScheduler(clock, func() {
		count.Add(1)
		fired <- struct{}{}
	})

	s.Arm(5 * time.Second)
	s.Arm(10 * time.Second)
	clock.Advance(5 * time.Second)
	assertNotFired(t, fired)

	clock.Advance(5 * time.Second)
	assertFired(t, fired)
	assert.EqualValues(t, 1, count.Load())
}

func TestSchedulerStopAndImmediate(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	fired := make(chan struct{}, 4)
	s := NewScheduler(clock, func() { fired <- struct{}{} })

	s.Arm(time.Second)
	s.Stop()
	clock.Advance(time.Hour)
	assertNotFired(t, fired)

	s.Arm(0)
	assertFired(t, fired)

	s.Arm(-time.Minute)
	assertFired(t, fired)
}

func TestScopeClosesInOrderOnce(t *testing.T) {
	var order []int
	sc := &scope{}
	sc.Add(func() { order = append(order, 1) })
	sc.Add(func() { order = append(order, 2) })

	sc.Close()
	sc.Close()
	assert.Equal(t, []int{1, 2}, order)

	sc.Add(func() { order = append(order, 3) })
	assert.Equal(t, []int{1, 2, 3}, order, "late registrations are released at once")
}

func assertFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not fire")
	}
}

func assertNotFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("scheduler fired unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}
