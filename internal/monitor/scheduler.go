package monitor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler runs fire at most once per Arm. Re-arming replaces the pending
// run; Stop cancels it.
type Scheduler struct {
	clock clockwork.Clock
	fire  func()

	mu    sync.Mutex
	gen   uint64
	timer clockwork.Timer
	armed bool
}

func NewScheduler(clock clockwork.Clock, fire func()) *Scheduler {
	return &Scheduler{clock: clock, fire: fire}
}

// Arm schedules fire after d. A non-positive d fires right away on a new
// goroutine.
func (s *Scheduler) Arm(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.gen++
	gen := s.gen
	s.armed = true

	if d <= 0 {
		go s.run(gen)
		return
	}
	s.timer = s.clock.AfterFunc(d, func() { s.run(gen) })
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.gen++
	s.armed = false
	s.mu.Unlock()
}

// Armed reports whether a run is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) run(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.timer = nil
	s.mu.Unlock()

	s.fire()
}

// scope releases everything registered with it, in registration order,
// exactly once.
type scope struct {
	mu      sync.Mutex
	closers []func()
	closed  bool
}

// Add registers fn. After Close it runs fn immediately.
func (s *scope) Add(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

func (s *scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	for _, fn := range closers {
		fn()
	}
}
