package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/questly/questmonitor/internal/quest"
	"github.com/questly/questmonitor/internal/socket"
)

var ErrNotInProgress = errors.New("session is not in progress")

var telemetryEvents = []string{
	quest.EventLocationUpdated,
	quest.EventPointPassed,
	quest.EventParticipantPointPassed,
	quest.EventUserJoined,
	quest.EventUserLeft,
	quest.EventTaskCompleted,
	quest.EventScoresUpdated,
	quest.EventPhotoSubmitted,
	quest.EventPhotoModerated,
	quest.EventParticipantRejected,
	quest.EventParticipantDisqualified,
	quest.EventSessionCancelled,
	quest.EventSessionEnded,
}

// Telemetry is bound to one in-progress session for its whole lifetime.
type Telemetry struct {
	sessionID int64
	conn      *socket.Conn
	sink      Sink
	onError   func(string)
	logger    *slog.Logger

	joined Flag
}

// DialTelemetry connects to the telemetry channel of sessionID. The caller
// vouches for the session status; anything but in-progress is refused
// without touching the network.
func DialTelemetry(ctx context.Context, cfg Config, sessionID int64, status quest.Status, sink Sink, onError func(string)) (*Telemetry, error) {
	if status != quest.StatusInProgress {
		return nil, ErrNotInProgress
	}
	url, err := socket.ChannelURL(cfg.BaseURL, TelemetryPath)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		sessionID: sessionID,
		sink:      sink,
		onError:   onError,
		logger:    cfg.logger().With("listener", "telemetry", "session_id", sessionID),
	}

	opts := cfg.socketOptions(url)
	opts.Logger = t.logger
	opts.OnConnect = t.handleConnect
	opts.OnDisconnect = t.handleDisconnect
	opts.OnError = t.reportError
	t.conn = socket.New(opts)

	for _, name := range telemetryEvents {
		forward(t.conn, name, sink, t.logger)
	}
	t.conn.On(reqJoin, t.handleJoinAck)
	t.conn.On(reqUpdateLocation, func(json.RawMessage) {})
	onErrorFrame(t.conn, errGeneric, t.reportError, nil)
	onErrorFrame(t.conn, errJoin, t.reportError, func() { t.joined.Set(false) })
	onErrorFrame(t.conn, errUpdateLocation, t.reportError, nil)

	t.conn.Dial(ctx)
	return t, nil
}

func (t *Telemetry) SessionID() int64 { return t.sessionID }
func (t *Telemetry) Connected() bool  { return t.conn.Connected() }
func (t *Telemetry) Joined() bool     { return t.joined.Get() }

// WatchJoined calls fn whenever the joined state changes.
func (t *Telemetry) WatchJoined(fn func(joined bool)) (cancel func()) {
	return t.joined.Watch(fn)
}

// UpdateLocation publishes one sample. It silently does nothing unless the
// channel is both connected and joined; samples are never queued.
func (t *Telemetry) UpdateLocation(lat, lng float64) bool {
	if !t.conn.Connected() || !t.joined.Get() {
		return false
	}
	return t.conn.Emit(reqUpdateLocation, locationRequest{
		SessionID: t.sessionID,
		Latitude:  lat,
		Longitude: lng,
	})
}

// Close sends a best-effort leave and tears the transport down.
func (t *Telemetry) Close() {
	if t.conn.Connected() {
		t.conn.Emit(reqLeave, sessionRequest{SessionID: t.sessionID})
	}
	t.joined.Set(false)
	t.conn.Close()
}

func (t *Telemetry) handleConnect() {
	t.sink(quest.ChannelStatus{Channel: quest.ChannelTelemetry, Connected: true})
	t.conn.Emit(reqJoin, sessionRequest{SessionID: t.sessionID})
}

func (t *Telemetry) handleDisconnect() {
	t.joined.Set(false)
	t.sink(quest.ChannelStatus{Channel: quest.ChannelTelemetry, Connected: false})
}

func (t *Telemetry) handleJoinAck(data json.RawMessage) {
	a := decodeAck(data)
	if a.Success {
		t.joined.Set(true)
		return
	}
	t.joined.Set(false)
	if a.Message == "" {
		a.Message = "failed to join session"
	}
	t.reportError(a.Message)
}

func (t *Telemetry) reportError(msg string) {
	if t.onError != nil {
		t.onError(msg)
	}
}
