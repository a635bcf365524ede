package monitor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds an unstarted monitor for a session.
type Factory func(sessionID int64) *Monitor

// Registry keeps one started monitor per session.
type Registry struct {
	factory Factory
	starts  singleflight.Group

	mu       sync.RWMutex
	monitors map[int64]*Monitor
	closed   bool
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory:  factory,
		monitors: make(map[int64]*Monitor),
	}
}

// Get returns the running monitor for id, starting one on first use.
// Concurrent callers for the same id share a single start, and the initial
// load runs outside the registry lock. A monitor whose initial load fails is
// closed and not kept.
func (r *Registry) Get(ctx context.Context, id int64) (*Monitor, error) {
	if m, ok := r.Lookup(id); ok {
		return m, nil
	}

	v, err, _ := r.starts.Do(strconv.FormatInt(id, 10), func() (any, error) {
		if m, ok := r.Lookup(id); ok {
			return m, nil
		}

		m := r.factory(id)
		if err := m.Start(ctx); err != nil {
			m.Close()
			return nil, fmt.Errorf("starting monitor: %w", err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			m.Close()
			return nil, ErrClosed
		}
		r.monitors[id] = m
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Monitor), nil
}

func (r *Registry) Lookup(id int64) (*Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[id]
	return m, ok
}

// IDs returns the sessions currently monitored, in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Drop closes and forgets the monitor for id.
func (r *Registry) Drop(id int64) {
	r.mu.Lock()
	m, ok := r.monitors[id]
	delete(r.monitors, id)
	r.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Close stops every monitor. Starts still in flight are closed as they
// finish.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, m := range r.monitors {
		m.Close()
		delete(r.monitors, id)
	}
	return nil
}
