// Package channel implements the two push listeners of a quest session: the
// lifecycle listener, scoped to a session by an explicit subscribe handshake,
// and the telemetry listener, joined to exactly one in-progress session.
//
// Listeners never mutate shared state. Every decoded event, including local
// connectivity changes, is handed to a Sink supplied by the owner.
package channel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/questly/questmonitor/internal/quest"
	"github.com/questly/questmonitor/internal/socket"
)

const (
	LifecyclePath = "/session-events"
	TelemetryPath = "/active-session"
)

// Client to server requests and their acknowledgements.
const (
	reqSubscribe      = "subscribe-to-session"
	reqUnsubscribe    = "unsubscribe-from-session"
	reqJoin           = "join-session"
	reqLeave          = "leave-session"
	reqUpdateLocation = "update-location"

	errGeneric        = "error"
	errSubscribe      = "subscribe-error"
	errUnsubscribe    = "unsubscribe-error"
	errJoin           = "join-session-error"
	errUpdateLocation = "update-location-error"
)

// Sink receives every event a listener decodes, in arrival order.
type Sink func(quest.Event)

// Config holds what both listeners need to reach the backend.
type Config struct {
	BaseURL           string
	Token             func() string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HTTPClient        *http.Client
	Clock             clockwork.Clock
	Logger            *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) socketOptions(url string) socket.Options {
	return socket.Options{
		URL:               url,
		Token:             c.Token,
		ReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:    c.ReconnectDelay,
		HTTPClient:        c.HTTPClient,
		Clock:             c.Clock,
		Logger:            c.logger(),
	}
}

type sessionRequest struct {
	SessionID int64 `json:"sessionId"`
}

type locationRequest struct {
	SessionID int64   `json:"sessionId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// forward decodes frames named event and passes them to sink.
func forward(conn *socket.Conn, event string, sink Sink, logger *slog.Logger) {
	conn.On(event, func(data json.RawMessage) {
		ev, err := quest.DecodeEvent(event, data)
		if err != nil {
			logger.Warn("dropping undecodable event", "event", event, "error", err)
			return
		}
		sink(ev)
	})
}

// onErrorFrame reports frames of the {"error": "..."} shape. before, when
// set, runs first.
func onErrorFrame(conn *socket.Conn, event string, report func(string), before func()) {
	conn.On(event, func(data json.RawMessage) {
		var e errorFrame
		if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
			e.Error = event
		}
		if before != nil {
			before()
		}
		report(e.Error)
	})
}

func decodeAck(data json.RawMessage) ack {
	var a ack
	if err := json.Unmarshal(data, &a); err != nil {
		return ack{Message: "malformed acknowledgement"}
	}
	return a
}

// Flag is a boolean that notifies watchers when its value changes.
type Flag struct {
	mu       sync.Mutex
	v        bool
	next     int
	watchers map[int]func(bool)
}

func (f *Flag) Get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.v
}

func (f *Flag) Set(v bool) {
	f.mu.Lock()
	if f.v == v {
		f.mu.Unlock()
		return
	}
	f.v = v
	fns := make([]func(bool), 0, len(f.watchers))
	for _, fn := range f.watchers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Watch calls fn on every change until the returned cancel func is called.
func (f *Flag) Watch(fn func(bool)) (cancel func()) {
	f.mu.Lock()
	if f.watchers == nil {
		f.watchers = make(map[int]func(bool))
	}
	id := f.next
	f.next++
	f.watchers[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}
