package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/questly/questmonitor/internal/quest"
	"github.com/questly/questmonitor/internal/socket"
)

var lifecycleEvents = []string{
	quest.EventParticipantJoined,
	quest.EventParticipantLeft,
	quest.EventSessionCancelled,
	quest.EventSessionEnded,
}

// Lifecycle listens for roster and lifecycle notices of one session at a
// time. The transport is global; scoping happens by subscription.
type Lifecycle struct {
	conn    *socket.Conn
	sink    Sink
	onError func(string)
	logger  *slog.Logger

	mu        sync.Mutex
	sessionID int64

	subscribed Flag
}

// DialLifecycle starts connecting the lifecycle channel in the background.
// The returned error only reports a bad configuration.
func DialLifecycle(ctx context.Context, cfg Config, sink Sink, onError func(string)) (*Lifecycle, error) {
	url, err := socket.ChannelURL(cfg.BaseURL, LifecyclePath)
	if err != nil {
		return nil, err
	}

	l := &Lifecycle{
		sink:    sink,
		onError: onError,
		logger:  cfg.logger().With("listener", "lifecycle"),
	}

	opts := cfg.socketOptions(url)
	opts.Logger = l.logger
	opts.OnConnect = l.handleConnect
	opts.OnDisconnect = l.handleDisconnect
	opts.OnError = l.reportError
	l.conn = socket.New(opts)

	for _, name := range lifecycleEvents {
		forward(l.conn, name, sink, l.logger)
	}
	l.conn.On(reqSubscribe, l.handleSubscribeAck)
	l.conn.On(reqUnsubscribe, l.handleUnsubscribeAck)
	onErrorFrame(l.conn, errGeneric, l.reportError, nil)
	onErrorFrame(l.conn, errSubscribe, l.reportError, func() { l.subscribed.Set(false) })
	onErrorFrame(l.conn, errUnsubscribe, l.reportError, nil)

	l.conn.Dial(ctx)
	return l, nil
}

// SubscribeToSession records id as the current session and subscribes to it
// now if connected, otherwise on the next connect.
func (l *Lifecycle) SubscribeToSession(id int64) {
	l.mu.Lock()
	l.sessionID = id
	l.mu.Unlock()

	if l.conn.Connected() {
		l.conn.Emit(reqSubscribe, sessionRequest{SessionID: id})
	}
}

// UnsubscribeFromSession clears the local subscription without waiting for
// the server to confirm.
func (l *Lifecycle) UnsubscribeFromSession(id int64) {
	l.mu.Lock()
	if l.sessionID == id {
		l.sessionID = 0
	}
	l.mu.Unlock()

	if l.conn.Connected() {
		l.conn.Emit(reqUnsubscribe, sessionRequest{SessionID: id})
	}
	l.subscribed.Set(false)
}

func (l *Lifecycle) Subscribed() bool { return l.subscribed.Get() }
func (l *Lifecycle) Connected() bool  { return l.conn.Connected() }

// Close sends a best-effort unsubscribe and tears the transport down. It is
// safe to call while a connection attempt is still in flight.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	id := l.sessionID
	l.sessionID = 0
	l.mu.Unlock()

	if id != 0 && l.conn.Connected() {
		l.conn.Emit(reqUnsubscribe, sessionRequest{SessionID: id})
	}
	l.conn.Close()
	l.subscribed.Set(false)
}

func (l *Lifecycle) handleConnect() {
	l.sink(quest.ChannelStatus{Channel: quest.ChannelLifecycle, Connected: true})

	l.mu.Lock()
	id := l.sessionID
	l.mu.Unlock()
	if id != 0 {
		l.conn.Emit(reqSubscribe, sessionRequest{SessionID: id})
	}
}

func (l *Lifecycle) handleDisconnect() {
	l.subscribed.Set(false)
	l.sink(quest.ChannelStatus{Channel: quest.ChannelLifecycle, Connected: false})
}

func (l *Lifecycle) handleSubscribeAck(data json.RawMessage) {
	a := decodeAck(data)
	if a.Success {
		l.subscribed.Set(true)
		return
	}
	l.subscribed.Set(false)
	if a.Message == "" {
		a.Message = "failed to subscribe to session"
	}
	l.reportError(a.Message)
}

func (l *Lifecycle) handleUnsubscribeAck(data json.RawMessage) {
	a := decodeAck(data)
	if a.Success {
		l.subscribed.Set(false)
		return
	}
	if a.Message == "" {
		a.Message = "failed to unsubscribe from session"
	}
	l.reportError(a.Message)
}

func (l *Lifecycle) reportError(msg string) {
	if l.onError != nil {
		l.onError(msg)
	}
}
