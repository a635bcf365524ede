package server

import (
	"encoding/json"
	"sync"

	"github.com/questly/questmonitor/internal/monitor"
)

// Update is one encoded snapshot as delivered to stream subscribers.
type Update struct {
	Version uint64
	Data    []byte
}

// Broker is an in-process pub/sub of encoded snapshots, keyed by session.
type Broker struct {
	mu   sync.RWMutex
	subs map[int64]map[chan Update]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int64]map[chan Update]struct{}),
	}
}

// Subscribe returns a channel that receives snapshots of the given session.
func (b *Broker) Subscribe(sessionID int64) chan Update {
	ch := make(chan Update, 16)
	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan Update]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(sessionID int64, ch chan Update) {
	b.mu.Lock()
	delete(b.subs[sessionID], ch)
	if len(b.subs[sessionID]) == 0 {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()
}

// Publish sends a snapshot to every subscriber of its session. It never
// blocks: slow subscribers miss updates.
func (b *Broker) Publish(s *monitor.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subs[s.SessionID]
	if len(subs) == 0 {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	u := Update{Version: s.Version, Data: data}
	for ch := range subs {
		select {
		case ch <- u:
		default:
			// Drop if subscriber is slow.
		}
	}
}
