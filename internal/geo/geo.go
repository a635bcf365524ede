// Package geo samples the device position and publishes it through the
// telemetry channel while the participant is joined to a live session.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrUnsupported = errors.New("geolocation is not supported")

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 10 * time.Second
)

type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocateOptions mirror a device position request. MaximumAge of zero forbids
// cached fixes.
type LocateOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

type Locator interface {
	Locate(ctx context.Context, opts LocateOptions) (Fix, error)
}

// Sender is where samples go. *channel.Telemetry satisfies it.
type Sender interface {
	Joined() bool
	WatchJoined(fn func(joined bool)) (cancel func())
	UpdateLocation(lat, lng float64) bool
}

type Options struct {
	// Locator may be nil on hosts without a position source; Start then
	// reports ErrUnsupported and never samples.
	Locator  Locator
	Sender   Sender
	Interval time.Duration
	Timeout  time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
	OnError  func(string)
}

// Publisher samples every Interval while it is both enabled and joined.
type Publisher struct {
	opts Options

	mu      sync.Mutex
	started bool
	enabled bool
	joined  bool
	// unsupported is set once the locator reports no position source.
	unsupported bool
	unwatch     func()
	stopLoop    context.CancelFunc
	lastFix     *Fix
	err         error
	wg          sync.WaitGroup
}

func New(opts Options) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{opts: opts, enabled: true}
}

// Start begins watching the joined state. Tracking follows it from then on.
func (p *Publisher) Start() error {
	if p.opts.Locator == nil {
		p.fail(ErrUnsupported)
		return ErrUnsupported
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	unwatch := p.opts.Sender.WatchJoined(p.setJoined)

	p.mu.Lock()
	p.unwatch = unwatch
	p.mu.Unlock()

	p.setJoined(p.opts.Sender.Joined())
	return nil
}

// SetEnabled turns tracking on or off without touching the joined watch.
func (p *Publisher) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
	p.reconcileLocked()
}

// Stop ends tracking and the joined watch and waits for an in-flight sample.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.started = false
	p.joined = false
	unwatch := p.unwatch
	p.unwatch = nil
	p.reconcileLocked()
	p.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	p.wg.Wait()
}

func (p *Publisher) Close() { p.Stop() }

// Tracking reports whether the sampling loop is running.
func (p *Publisher) Tracking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopLoop != nil
}

func (p *Publisher) LastFix() (Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastFix == nil {
		return Fix{}, false
	}
	return *p.lastFix, true
}

func (p *Publisher) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Publisher) setJoined(joined bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.joined = joined
	p.reconcileLocked()
}

func (p *Publisher) reconcileLocked() {
	want := p.started && p.enabled && p.joined && !p.unsupported
	switch {
	case want && p.stopLoop == nil:
		ctx, cancel := context.WithCancel(context.Background())
		p.stopLoop = cancel
		p.wg.Add(1)
		go p.loop(ctx)
	case !want && p.stopLoop != nil:
		p.stopLoop()
		p.stopLoop = nil
	}
}

func (p *Publisher) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.opts.Clock.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if err := p.sample(ctx); errors.Is(err, ErrUnsupported) {
			p.mu.Lock()
			p.unsupported = true
			p.reconcileLocked()
			p.mu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (p *Publisher) sample(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	fix, err := p.opts.Locator.Locate(ctx, LocateOptions{
		HighAccuracy: true,
		Timeout:      p.opts.Timeout,
	})
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		p.fail(err)
		return err
	}

	p.mu.Lock()
	p.lastFix = &fix
	p.err = nil
	p.mu.Unlock()

	if !p.opts.Sender.UpdateLocation(fix.Latitude, fix.Longitude) {
		p.opts.Logger.Debug("location sample not sent", "latitude", fix.Latitude, "longitude", fix.Longitude)
	}
	return nil
}

func (p *Publisher) fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()

	p.opts.Logger.Warn("location sample failed", "error", err)
	if p.opts.OnError != nil {
		p.opts.OnError(fmt.Sprintf("location error: %v", err))
	}
}
