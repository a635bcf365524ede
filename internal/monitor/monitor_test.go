package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questly/questmonitor/internal/api"
	"github.com/questly/questmonitor/internal/channel"
	"github.com/questly/questmonitor/internal/quest"
)

type fakeBackend struct {
	clock clockwork.Clock

	mu          sync.Mutex
	detail      quest.SessionDetail
	sessionErr  error
	pending     []quest.PendingPhoto
	results     quest.SessionResults
	calls       map[string]int
	rescheduled time.Time
	moderated   []int64
}

func newFakeBackend(clock clockwork.Clock, d quest.SessionDetail) *fakeBackend {
	return &fakeBackend{clock: clock, detail: d, calls: make(map[string]int)}
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) record(name string) {
	b.mu.Lock()
	b.calls[name]++
	b.mu.Unlock()
}

func (b *fakeBackend) setDetail(fn func(d *quest.SessionDetail)) {
	b.mu.Lock()
	fn(&b.detail)
	b.mu.Unlock()
}

func (b *fakeBackend) Session(_ context.Context, id int64) (quest.SessionDetail, error) {
	b.record("session")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessionErr != nil {
		return quest.SessionDetail{}, b.sessionErr
	}
	return b.detail, nil
}

func (b *fakeBackend) Quest(context.Context, int64) (quest.Quest, error) {
	b.record("quest")
	return quest.Quest{Title: "Old Town", MaxParticipantCount: 8}, nil
}

func (b *fakeBackend) Checkpoints(context.Context, int64) ([]quest.Checkpoint, error) {
	b.record("checkpoints")
	return []quest.Checkpoint{{ID: 1, OrderNum: 1}, {ID: 2, OrderNum: 2}}, nil
}

func (b *fakeBackend) LatestLocations(context.Context, int64) ([]quest.ParticipantLocation, error) {
	b.record("locations")
	return nil, errors.New("locations unavailable")
}

func (b *fakeBackend) Scores(context.Context, int64) (quest.SessionScores, error) {
	b.record("scores")
	return quest.SessionScores{}, nil
}

func (b *fakeBackend) Results(context.Context, int64) (quest.SessionResults, error) {
	b.record("results")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results, nil
}

func (b *fakeBackend) PendingPhotos(context.Context, int64) ([]quest.PendingPhoto, error) {
	b.record("pending")
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]quest.PendingPhoto(nil), b.pending...), nil
}

func (b *fakeBackend) ModeratePhoto(_ context.Context, _, photoID int64, req api.ModerateRequest) (api.ModerateResponse, error) {
	b.record("moderate")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.moderated = append(b.moderated, photoID)
	var pending []quest.PendingPhoto
	for _, p := range b.pending {
		if p.ParticipantTaskPhotoID != photoID {
			pending = append(pending, p)
		}
	}
	b.pending = pending
	return api.ModerateResponse{Success: true}, nil
}

func (b *fakeBackend) CancelSession(context.Context, int64) (quest.SessionDetail, error) {
	b.record("cancel")
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.detail.MarkCancelled(now)
	return b.detail, nil
}

func (b *fakeBackend) Reschedule(_ context.Context, _ int64, start time.Time) error {
	b.record("reschedule")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rescheduled = start
	b.detail.StartDate = &start
	return nil
}

func (b *fakeBackend) ServerTime(context.Context) (time.Time, error) {
	return b.clock.Now(), nil
}

type fakeListener struct {
	mu         sync.Mutex
	closed     bool
	subscribed []int64
}

func (l *fakeListener) Connected() bool { return !l.isClosed() }

func (l *fakeListener) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeListener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeListener) SubscribeToSession(id int64) {
	l.mu.Lock()
	l.subscribed = append(l.subscribed, id)
	l.mu.Unlock()
}

type fakeChannels struct {
	mu        sync.Mutex
	lifecycle []*fakeListener
	telemetry []*fakeListener
	sink      channel.Sink
}

func (c *fakeChannels) Lifecycle(_ context.Context, sink channel.Sink, _ func(string)) (LifecycleListener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &fakeListener{}
	c.lifecycle = append(c.lifecycle, l)
	c.sink = sink
	return l, nil
}

func (c *fakeChannels) Telemetry(_ context.Context, _ int64, status quest.Status, sink channel.Sink, _ func(string)) (Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status != quest.StatusInProgress {
		return nil, channel.ErrNotInProgress
	}
	l := &fakeListener{}
	c.telemetry = append(c.telemetry, l)
	c.sink = sink
	return l, nil
}

func (c *fakeChannels) counts() (lifecycle, telemetry int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lifecycle), len(c.telemetry)
}

func (c *fakeChannels) emit(ev quest.Event) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	sink(ev)
}

func (c *fakeChannels) all() []*fakeListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(append([]*fakeListener(nil), c.lifecycle...), c.telemetry...)
}

type harness struct {
	advance  func(time.Duration)
	backend  *fakeBackend
	channels *fakeChannels
	monitor  *Monitor
}

func newHarness(t *testing.T, d quest.SessionDetail) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	h := &harness{
		advance:  clock.Advance,
		backend:  newFakeBackend(clock, d),
		channels: &fakeChannels{},
	}
	h.monitor = New(Options{
		SessionID: 7,
		Backend:   h.backend,
		Channels:  h.channels,
		Clock:     clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		PublicURL: "https://quest.example",
	})
	t.Cleanup(h.monitor.Close)
	return h
}

// start returns once the loop has built the listeners the baseline status
// calls for, so tests can emit events straight away.
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.monitor.Start(context.Background()))

	status := h.monitor.Snapshot().Status
	if status.Terminal() {
		return
	}
	wantTelemetry := 0
	if status == quest.StatusInProgress {
		wantTelemetry = 1
	}
	require.Eventually(t, func() bool {
		lifecycle, telemetry := h.channels.counts()
		return lifecycle >= 1 && telemetry >= wantTelemetry
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) eventually(t *testing.T, cond func(s *Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.monitor.Snapshot()) }, 2*time.Second, 5*time.Millisecond, msg)
}

func inProgress(ps ...quest.Participant) quest.SessionDetail {
	return quest.SessionDetail{ID: 7, QuestID: 3, IsActive: true, StartDate: ptr(t0.Add(-time.Minute)), Participants: ps}
}

func TestStartInProgressBuildsBothListeners(t *testing.T) {
	h := newHarness(t, inProgress(participant(1, 11, "Ann")))
	h.start(t)

	require.Eventually(t, func() bool {
		l, tl := h.channels.counts()
		return l == 1 && tl == 1
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.monitor.Snapshot()
	assert.True(t, snap.Loaded)
	assert.Equal(t, quest.StatusInProgress, snap.Status)
	assert.Equal(t, "Old Town", snap.Header.Title)
	assert.Equal(t, 8, snap.Participants.Max)
	assert.Empty(t, snap.Error, "optional fetch failures do not surface")
	assert.Equal(t, 1, h.backend.count("locations"))

	h.channels.mu.Lock()
	assert.Equal(t, []int64{7}, h.channels.lifecycle[0].subscribed)
	h.channels.mu.Unlock()
}

func TestTelemetryBuiltOnceAcrossRefreshes(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)

	for range 3 {
		require.NoError(t, h.monitor.Refresh(context.Background()))
	}
	_, tl := h.channels.counts()
	assert.Equal(t, 1, tl)
	assert.Equal(t, 4, h.backend.count("session"))
}

func TestStartFailureLeavesErrorSnapshot(t *testing.T) {
	h := newHarness(t, inProgress())
	h.backend.sessionErr = &api.StatusError{Code: 401}

	err := h.monitor.Start(context.Background())
	require.ErrorIs(t, err, api.ErrUnauthorized)

	snap := h.monitor.Snapshot()
	assert.Equal(t, "session expired", snap.Error)
	assert.False(t, snap.Loaded)
	assert.Empty(t, snap.Overview)
	l, tl := h.channels.counts()
	assert.Zero(t, l+tl)
	assert.ErrorIs(t, h.monitor.Refresh(context.Background()), ErrNotRunning)
}

func TestEventsUpdateSnapshot(t *testing.T) {
	h := newHarness(t, inProgress(participant(1, 11, "Ann")))
	h.start(t)

	updates, cancel := h.monitor.Subscribe()
	defer cancel()
	<-updates

	h.channels.emit(quest.ParticipantJoined{ParticipantID: 2, UserID: 12, UserName: "Bob"})
	h.channels.emit(quest.ParticipantPointPassed{UserID: 12, OrderNumber: 1})
	h.channels.emit(quest.LocationUpdated{ParticipantID: 2, UserID: 12, Latitude: 49.9935, Longitude: 36.2304})

	h.eventually(t, func(s *Snapshot) bool { return len(s.Markers) == 1 }, "marker for Bob")
	snap := h.monitor.Snapshot()
	require.Len(t, snap.Overview, 2)
	assert.Equal(t, 50, snap.Overview[0].Progress+snap.Overview[1].Progress)
	assert.NotNil(t, snap.LastSync)

	select {
	case s := <-updates:
		assert.NotNil(t, s)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestSessionEndReleasesListeners(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)

	h.channels.emit(quest.SessionEnded{EndedAt: t0})

	h.eventually(t, func(s *Snapshot) bool { return s.Status == quest.StatusCompleted }, "completed")
	require.Eventually(t, func() bool {
		for _, l := range h.channels.all() {
			if !l.isClosed() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.monitor.Snapshot().Timer)
}

func TestScheduledSessionStartsOnTime(t *testing.T) {
	start := t0.Add(10 * time.Second)
	h := newHarness(t, quest.SessionDetail{ID: 7, QuestID: 3, StartDate: &start})
	h.start(t)

	h.eventually(t, func(s *Snapshot) bool { return s.Timer == "00:00:10" }, "countdown")
	assert.Zero(t, h.backend.count("scores"), "scores are not fetched before start")
	_, tl := h.channels.counts()
	assert.Zero(t, tl)

	h.backend.setDetail(func(d *quest.SessionDetail) { d.IsActive = true })

	require.Eventually(t, func() bool {
		h.advance(time.Second)
		_, tl := h.channels.counts()
		return tl == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.eventually(t, func(s *Snapshot) bool { return s.Status == quest.StatusInProgress }, "in progress")
}

func TestResyncAfterOutage(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)
	before := h.backend.count("session")

	// A short blip does not refresh.
	h.channels.emit(quest.ChannelStatus{Channel: quest.ChannelTelemetry, Connected: false})
	h.channels.emit(quest.ChannelStatus{Channel: quest.ChannelTelemetry, Connected: true})
	h.eventually(t, func(s *Snapshot) bool { return s.Connectivity.Telemetry }, "reconnected")
	assert.Equal(t, before, h.backend.count("session"))

	h.channels.emit(quest.ChannelStatus{Channel: quest.ChannelTelemetry, Connected: false})
	h.eventually(t, func(s *Snapshot) bool { return !s.Connectivity.Telemetry }, "dropped")
	h.advance(DefaultResyncAfter)
	h.channels.emit(quest.ChannelStatus{Channel: quest.ChannelTelemetry, Connected: true})

	require.Eventually(t, func() bool { return h.backend.count("session") == before+1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)

	require.NoError(t, h.monitor.Cancel(context.Background()))
	h.eventually(t, func(s *Snapshot) bool { return s.Status == quest.StatusCancelled }, "cancelled")
	require.Eventually(t, func() bool {
		for _, l := range h.channels.all() {
			if !l.isClosed() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.monitor.Cancel(context.Background()), ErrFinished)
	assert.Equal(t, 1, h.backend.count("cancel"))
}

func TestReschedule(t *testing.T) {
	start := t0.Add(time.Hour)
	h := newHarness(t, quest.SessionDetail{ID: 7, QuestID: 3, StartDate: &start})
	h.start(t)

	err := h.monitor.Reschedule(context.Background(), t0.Add(-time.Minute))
	require.ErrorIs(t, err, ErrStartInPast)

	later := t0.Add(2 * time.Hour)
	require.NoError(t, h.monitor.Reschedule(context.Background(), later))
	assert.True(t, h.monitor.Snapshot().StartDate.Equal(later))
	assert.Equal(t, "02:00:00", h.monitor.Snapshot().Timer)
}

func TestRescheduleRequiresScheduled(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)

	err := h.monitor.Reschedule(context.Background(), t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrNotScheduled)
	assert.Zero(t, h.backend.count("reschedule"))
}

func TestModerateDropsPendingPhoto(t *testing.T) {
	h := newHarness(t, inProgress(participant(1, 11, "Ann")))
	h.backend.pending = []quest.PendingPhoto{{ParticipantTaskPhotoID: 5, UserID: 11}}
	h.start(t)
	require.Len(t, h.monitor.Snapshot().PendingPhotos, 1)

	require.NoError(t, h.monitor.Moderate(context.Background(), 5, false, "blurry"))
	h.eventually(t, func(s *Snapshot) bool { return len(s.PendingPhotos) == 0 }, "queue drained")
}

func TestResults(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)

	_, err := h.monitor.Results(context.Background())
	require.ErrorIs(t, err, ErrNotFinished)

	h.backend.results = quest.SessionResults{SessionID: 7, Rankings: []quest.Ranking{
		{ParticipantID: 1, UserName: "Ann", Rank: 1, Route: quest.EncodePolyline([]quest.LatLng{{Lat: 1, Lng: 2}})},
	}}
	h.channels.emit(quest.SessionEnded{})
	h.eventually(t, func(s *Snapshot) bool { return s.Status.Terminal() }, "ended")

	res, err := h.monitor.Results(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Routes, 1)
	assert.Equal(t, "Ann", res.Routes[0].UserName)
}

func TestCloseIsIdempotentAndReleasesEverything(t *testing.T) {
	h := newHarness(t, inProgress())
	h.start(t)

	updates, _ := h.monitor.Subscribe()

	h.monitor.Close()
	h.monitor.Close()

	for _, l := range h.channels.all() {
		assert.True(t, l.isClosed())
	}
	for range updates {
	}
	assert.ErrorIs(t, h.monitor.Refresh(context.Background()), ErrClosed)
}

func TestCloseBeforeStart(t *testing.T) {
	h := newHarness(t, inProgress())
	h.monitor.Close()

	err := h.monitor.Start(context.Background())
	require.Error(t, err)
	l, tl := h.channels.counts()
	assert.Zero(t, l+tl)
}

func TestRegistry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	backend := newFakeBackend(clock, inProgress())
	built := 0
	reg := NewRegistry(func(id int64) *Monitor {
		built++
		return New(Options{SessionID: id, Backend: backend, Clock: clock})
	})
	defer reg.Close()

	a, err := reg.Get(context.Background(), 7)
	require.NoError(t, err)
	b, err := reg.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, built)
	assert.Equal(t, []int64{7}, reg.IDs())

	backend.mu.Lock()
	backend.sessionErr = &api.StatusError{Code: 404}
	backend.mu.Unlock()
	_, err = reg.Get(context.Background(), 8)
	require.ErrorIs(t, err, api.ErrNotFound)
	_, ok := reg.Lookup(8)
	assert.False(t, ok)

	reg.Drop(7)
	assert.Empty(t, reg.IDs())
}

// gatedBackend holds Session calls until released.
type gatedBackend struct {
	*fakeBackend
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Session(ctx context.Context, id int64) (quest.SessionDetail, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return quest.SessionDetail{}, ctx.Err()
	}
	return b.fakeBackend.Session(ctx, id)
}

func TestRegistryLoadsOutsideTheLock(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	backend := newFakeBackend(clock, inProgress())
	slow := &gatedBackend{fakeBackend: backend, entered: make(chan struct{}, 1), release: make(chan struct{})}

	var mu sync.Mutex
	built := map[int64]int{}
	reg := NewRegistry(func(id int64) *Monitor {
		mu.Lock()
		built[id]++
		mu.Unlock()
		var b Backend = backend
		if id == 2 {
			b = slow
		}
		return New(Options{SessionID: id, Backend: b, Clock: clock})
	})
	defer reg.Close()

	first, err := reg.Get(context.Background(), 1)
	require.NoError(t, err)

	type result struct {
		m   *Monitor
		err error
	}
	results := make(chan result, 2)
	for range 2 {
		go func() {
			m, err := reg.Get(context.Background(), 2)
			results <- result{m, err}
		}()
	}

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("session 2 never started loading")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m, ok := reg.Lookup(1)
		assert.True(t, ok)
		assert.Same(t, first, m)
		assert.Equal(t, []int64{1}, reg.IDs())
		again, err := reg.Get(context.Background(), 1)
		assert.NoError(t, err)
		assert.Same(t, first, again)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("registry blocked while another session was loading")
	}

	close(slow.release)
	var got []*Monitor
	for range 2 {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			got = append(got, r.m)
		case <-time.After(2 * time.Second):
			t.Fatal("session 2 never finished loading")
		}
	}
	assert.Same(t, got[0], got[1])

	mu.Lock()
	assert.Equal(t, 1, built[2], "concurrent callers share one start")
	mu.Unlock()
	assert.Equal(t, []int64{1, 2}, reg.IDs())
}
