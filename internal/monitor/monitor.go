// Package monitor reconciles the REST view of a quest session with the
// lifecycle and telemetry push channels into one consistent, display-ready
// snapshot.
//
// All session state is owned by a single loop goroutine. Listeners, timers
// and REST fetches only post messages to it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/questly/questmonitor/internal/api"
	"github.com/questly/questmonitor/internal/quest"
)

var (
	ErrClosed       = errors.New("monitor closed")
	ErrNotRunning   = errors.New("monitor not running")
	ErrNotScheduled = errors.New("session can only be rescheduled while scheduled")
	ErrStartInPast  = errors.New("start date must be in the future")
	ErrFinished     = errors.New("session already finished")
	ErrNotFinished  = errors.New("results are only available for finished sessions")
)

const (
	DefaultResyncAfter  = 3 * time.Second
	DefaultRecheckAfter = 5 * time.Second

	// startSlack delays the status re-check past the scheduled start.
	startSlack = time.Second
)

type Options struct {
	SessionID int64
	Backend   Backend
	// Channels may be nil, in which case no push listeners are created.
	Channels Channels
	Clock    clockwork.Clock
	Logger   *slog.Logger

	// ResyncAfter is how long a channel must have been down before its
	// reconnect triggers a REST refresh.
	ResyncAfter time.Duration
	// RecheckAfter spaces status re-checks once the start time has passed
	// but the backend still reports the session as scheduled.
	RecheckAfter time.Duration

	PublicURL string
	// Publish, if set, is called from the loop goroutine with every new
	// snapshot. It must not block.
	Publish func(*Snapshot)
}

type message interface{}

type eventMsg struct{ ev quest.Event }

type channelErrorMsg struct{ text string }

type refreshMsg struct {
	reply   chan error
	recheck bool
}

type baselineMsg struct {
	b       *baseline
	err     error
	issued  uint64
	reply   chan error
	recheck bool
}

type cancelledMsg struct{ detail quest.SessionDetail }

type moderatedMsg struct{ photoID int64 }

type Monitor struct {
	opts   Options
	logger *slog.Logger
	clock  clockwork.Clock
	server *ServerClock

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan message

	mu      sync.Mutex
	started bool
	done    chan struct{}

	snap  atomic.Pointer[Snapshot]
	subMu sync.Mutex
	subs  map[chan *Snapshot]struct{}

	closeOnce sync.Once
	// background tracks fetches and listener shutdowns started by the loop.
	background sync.WaitGroup

	// Owned by the loop goroutine once Start returns.
	st             *state
	scope          *scope
	scheduler      *Scheduler
	lifecycle      LifecycleListener
	telemetry      Listener
	telemetryBuilt bool
	downSince      map[quest.Channel]time.Time
	lastIssued     uint64
	version        uint64
	lastTimer      string
	replies        []func()
}

func New(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ResyncAfter <= 0 {
		opts.ResyncAfter = DefaultResyncAfter
	}
	if opts.RecheckAfter <= 0 {
		opts.RecheckAfter = DefaultRecheckAfter
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		opts:      opts,
		logger:    opts.Logger.With("session_id", opts.SessionID),
		clock:     opts.Clock,
		server:    NewServerClock(opts.Clock),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan message, 64),
		subs:      make(map[chan *Snapshot]struct{}),
		st:        newState(opts.SessionID),
		downSince: make(map[quest.Channel]time.Time),
	}
	m.publish()
	return m
}

func (m *Monitor) SessionID() int64 { return m.opts.SessionID }

// Start syncs the server clock, loads the initial REST baseline and starts
// the loop. A failed load leaves an error snapshot with an empty roster and
// no listeners.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	if err := m.server.Sync(ctx, m.opts.Backend.ServerTime); err != nil {
		m.logger.Warn("server clock not synced, using local time", "error", err)
	}

	b, err := m.fetch(ctx)
	if err != nil {
		m.st.err = describe(err)
		m.publish()
		return fmt.Errorf("loading session %d: %w", m.opts.SessionID, err)
	}
	m.st.applyBaseline(b, 0)
	m.st.lastSync = m.server.Now()
	m.publish()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	m.done = make(chan struct{})
	go m.loop()
	return nil
}

// Close tears the monitor down: the status scheduler first, then the timer,
// then both listeners. Messages arriving afterwards are dropped. Close is
// idempotent and safe at any point, including mid-connect.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.cancel()

		m.mu.Lock()
		done := m.done
		m.mu.Unlock()
		if done != nil {
			<-done
		}

		m.subMu.Lock()
		for ch := range m.subs {
			close(ch)
			delete(m.subs, ch)
		}
		m.subMu.Unlock()
	})
}

// Snapshot returns the latest published view.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Subscribe returns a channel carrying the latest snapshot after each
// change. Slow readers only ever see the most recent one.
func (m *Monitor) Subscribe() (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, 1)
	m.subMu.Lock()
	if m.ctx.Err() != nil {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if s := m.Snapshot(); s != nil {
		ch <- s
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
}

// Refresh re-fetches the REST baseline and waits until it is applied.
func (m *Monitor) Refresh(ctx context.Context) error {
	if !m.running() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	if !m.post(refreshMsg{reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// Cancel cancels the session on the backend and stops listening to it.
func (m *Monitor) Cancel(ctx context.Context) error {
	if !m.running() {
		return ErrNotRunning
	}
	if m.Snapshot().Status.Terminal() {
		return ErrFinished
	}
	d, err := m.opts.Backend.CancelSession(ctx, m.opts.SessionID)
	if err != nil {
		return fmt.Errorf("cancelling session %d: %w", m.opts.SessionID, err)
	}
	if !m.post(cancelledMsg{detail: d}) {
		return ErrClosed
	}
	return nil
}

// Reschedule moves the start of a scheduled session and re-arms the status
// check against the new start.
func (m *Monitor) Reschedule(ctx context.Context, start time.Time) error {
	if !m.running() {
		return ErrNotRunning
	}
	if m.Snapshot().Status != quest.StatusScheduled {
		return ErrNotScheduled
	}
	if !start.After(m.server.Now()) {
		return ErrStartInPast
	}
	if err := m.opts.Backend.Reschedule(ctx, m.opts.SessionID, start); err != nil {
		return fmt.Errorf("rescheduling session %d: %w", m.opts.SessionID, err)
	}
	return m.Refresh(ctx)
}

// Moderate approves or rejects a pending photo and drops it from the queue.
func (m *Monitor) Moderate(ctx context.Context, photoID int64, approved bool, reason string) error {
	if !m.running() {
		return ErrNotRunning
	}
	resp, err := m.opts.Backend.ModeratePhoto(ctx, m.opts.SessionID, photoID, api.ModerateRequest{
		Approved:        approved,
		RejectionReason: reason,
	})
	if err != nil {
		return fmt.Errorf("moderating photo %d: %w", photoID, err)
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "rejected by server"
		}
		return fmt.Errorf("moderating photo %d: %s", photoID, msg)
	}
	m.post(moderatedMsg{photoID: photoID})
	return nil
}

// Results fetches the final rankings of a finished session and decodes
// their routes.
func (m *Monitor) Results(ctx context.Context) (*Results, error) {
	if !m.Snapshot().Status.Terminal() {
		return nil, ErrNotFinished
	}
	res, err := m.opts.Backend.Results(ctx, m.opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("fetching results of session %d: %w", m.opts.SessionID, err)
	}
	routes, err := Routes(res.Rankings)
	if err != nil {
		return nil, err
	}
	return &Results{SessionID: m.opts.SessionID, Rankings: res.Rankings, Routes: routes}, nil
}

func (m *Monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

func (m *Monitor) post(msg message) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Monitor) sink(ev quest.Event) {
	m.post(eventMsg{ev: ev})
}

func (m *Monitor) onChannelError(text string) {
	m.post(channelErrorMsg{text: text})
}

func (m *Monitor) loop() {
	defer close(m.done)

	m.scope = &scope{}
	defer m.teardown()

	m.scheduler = NewScheduler(m.clock, func() { m.post(refreshMsg{recheck: true}) })
	m.scope.Add(m.scheduler.Stop)

	ticker := m.clock.NewTicker(time.Second)
	m.scope.Add(ticker.Stop)

	if m.ctx.Err() != nil {
		return
	}
	if !m.st.status().Terminal() {
		m.startLifecycle()
	}
	m.afterBaseline(false)
	m.publish()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.Chan():
			if FormatTimer(m.st.status(), m.st.detail.StartDate, m.server.Now()) != m.lastTimer {
				m.publish()
			}
		case msg := <-m.inbox:
			m.handle(msg)
			m.publish()
			m.flushReplies()
		}
	}
}

// flushReplies answers waiting callers once the snapshot reflects their
// request.
func (m *Monitor) flushReplies() {
	for _, reply := range m.replies {
		reply()
	}
	m.replies = nil
}

func (m *Monitor) teardown() {
	m.scope.Close()
	m.background.Wait()
}

func (m *Monitor) handle(msg message) {
	switch msg := msg.(type) {
	case eventMsg:
		m.handleEvent(msg.ev)
	case channelErrorMsg:
		m.st.channelErr = msg.text
	case refreshMsg:
		m.refresh(msg.reply, msg.recheck)
	case baselineMsg:
		m.handleBaseline(msg)
	case cancelledMsg:
		m.st.applyCancelled(msg.detail, m.server.Now())
		m.checkTerminal()
	case moderatedMsg:
		m.st.removePending(msg.photoID)
	}
}

func (m *Monitor) handleEvent(ev quest.Event) {
	if cs, ok := ev.(quest.ChannelStatus); ok {
		m.handleChannelStatus(cs)
		return
	}
	m.st.applyEvent(ev, m.server.Now())
	m.checkTerminal()
}

// handleChannelStatus refreshes from REST when a channel comes back after
// being down long enough to have missed events.
func (m *Monitor) handleChannelStatus(cs quest.ChannelStatus) {
	m.st.applyEvent(cs, m.server.Now())
	now := m.clock.Now()
	if !cs.Connected {
		if _, ok := m.downSince[cs.Channel]; !ok {
			m.downSince[cs.Channel] = now
		}
		return
	}
	since, ok := m.downSince[cs.Channel]
	if !ok {
		return
	}
	delete(m.downSince, cs.Channel)
	if now.Sub(since) >= m.opts.ResyncAfter && !m.st.status().Terminal() {
		m.logger.Info("channel back after outage, resyncing", "channel", cs.Channel, "down", now.Sub(since))
		m.refresh(nil, false)
	}
}

func (m *Monitor) refresh(reply chan error, recheck bool) {
	issued := m.st.seq
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		b, err := m.fetch(m.ctx)
		m.post(baselineMsg{b: b, err: err, issued: issued, reply: reply, recheck: recheck})
	}()
}

func (m *Monitor) handleBaseline(msg baselineMsg) {
	respond := func(err error) {
		if msg.reply != nil {
			m.replies = append(m.replies, func() { msg.reply <- err })
		}
	}

	if msg.err != nil {
		m.logger.Warn("refreshing session failed", "error", msg.err)
		m.st.err = describe(msg.err)
		if msg.recheck && m.st.status() == quest.StatusScheduled {
			m.scheduler.Arm(m.opts.RecheckAfter)
		}
		respond(msg.err)
		return
	}
	if msg.issued < m.lastIssued {
		respond(nil)
		return
	}
	m.lastIssued = msg.issued

	m.st.applyBaseline(msg.b, msg.issued)
	if now := m.server.Now(); now.After(m.st.lastSync) {
		m.st.lastSync = now
	}
	m.afterBaseline(msg.recheck)
	m.checkTerminal()
	respond(nil)
}

// afterBaseline drives the transitions gated on status: arming the start
// check while scheduled and building the telemetry listener once in progress.
func (m *Monitor) afterBaseline(recheck bool) {
	switch m.st.status() {
	case quest.StatusScheduled:
		m.armScheduler(recheck)
	case quest.StatusInProgress:
		m.scheduler.Stop()
		m.startTelemetry()
	}
}

func (m *Monitor) armScheduler(recheck bool) {
	start := m.st.detail.StartDate
	if start == nil {
		m.scheduler.Stop()
		return
	}
	d := start.Sub(m.server.Now()) + startSlack
	if d <= 0 && recheck {
		d = m.opts.RecheckAfter
	}
	m.scheduler.Arm(d)
}

// checkTerminal releases everything live once the session has finished.
func (m *Monitor) checkTerminal() {
	if !m.st.status().Terminal() {
		return
	}
	m.scheduler.Stop()
	if m.telemetry != nil {
		m.closeAsync(m.telemetry)
		m.telemetry = nil
	}
	if m.lifecycle != nil {
		m.closeAsync(m.lifecycle)
		m.lifecycle = nil
	}
}

// closeAsync closes l off the loop goroutine, since l may be blocked
// delivering an event to this very loop.
func (m *Monitor) closeAsync(l Listener) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		l.Close()
	}()
}

func (m *Monitor) listenerContext() context.Context {
	return context.WithoutCancel(m.ctx)
}

func (m *Monitor) startLifecycle() {
	if m.opts.Channels == nil {
		return
	}
	l, err := m.opts.Channels.Lifecycle(m.listenerContext(), m.sink, m.onChannelError)
	if err != nil {
		m.logger.Error("creating lifecycle listener", "error", err)
		m.st.channelErr = err.Error()
		return
	}
	m.lifecycle = l
	m.scope.Add(l.Close)
	l.SubscribeToSession(m.opts.SessionID)
}

// startTelemetry builds the telemetry listener. It runs at most once per
// monitor, however many times the in-progress status is observed.
func (m *Monitor) startTelemetry() {
	if m.telemetryBuilt || m.opts.Channels == nil {
		return
	}
	m.telemetryBuilt = true

	t, err := m.opts.Channels.Telemetry(m.listenerContext(), m.opts.SessionID, m.st.status(), m.sink, m.onChannelError)
	if err != nil {
		m.logger.Error("creating telemetry listener", "error", err)
		m.st.channelErr = err.Error()
		return
	}
	m.telemetry = t
	m.scope.Add(t.Close)
}

// fetch loads a baseline. The detail decides what else is worth loading;
// detail and checkpoints are required, the rest only degrade the view.
func (m *Monitor) fetch(ctx context.Context) (*baseline, error) {
	id := m.opts.SessionID
	be := m.opts.Backend

	detail, err := be.Session(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	status := quest.DeriveStatus(detail)
	b := &baseline{detail: detail}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cps, err := be.Checkpoints(gctx, detail.QuestID)
		if err != nil {
			return fmt.Errorf("fetching checkpoints: %w", err)
		}
		b.checkpoints = cps
		return nil
	})
	g.Go(func() error {
		q, err := be.Quest(gctx, detail.QuestID)
		if err != nil {
			m.logger.Warn("fetching quest", "quest_id", detail.QuestID, "error", err)
			return nil
		}
		b.quest = &q
		return nil
	})
	if status != quest.StatusScheduled {
		g.Go(func() error {
			s, err := be.Scores(gctx, id)
			if err != nil {
				m.logger.Warn("fetching scores", "error", err)
				return nil
			}
			b.scores = &s
			return nil
		})
	}
	if status == quest.StatusInProgress {
		g.Go(func() error {
			locs, err := be.LatestLocations(gctx, id)
			if err != nil {
				m.logger.Warn("fetching latest locations", "error", err)
				return nil
			}
			b.locations, b.hasLocations = locs, true
			return nil
		})
		g.Go(func() error {
			photos, err := be.PendingPhotos(gctx, id)
			if err != nil {
				m.logger.Warn("fetching pending photos", "error", err)
				return nil
			}
			b.pending, b.hasPending = photos, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Monitor) publish() {
	m.version++
	now := m.server.Now()
	s := m.st.snapshot(now, m.opts.PublicURL, m.version)
	m.lastTimer = s.Timer
	m.snap.Store(s)

	m.subMu.Lock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	m.subMu.Unlock()

	if m.opts.Publish != nil {
		m.opts.Publish(s)
	}
}

// describe turns a REST failure into the message shown to the operator.
func describe(err error) string {
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return "session expired"
	case errors.Is(err, api.ErrNotFound):
		return "session not found"
	default:
		return "failed to load session"
	}
}
