package monitor

import (
	"context"
	"time"

	"github.com/questly/questmonitor/internal/api"
	"github.com/questly/questmonitor/internal/channel"
	"github.com/questly/questmonitor/internal/quest"
)

// Backend is the REST surface a monitor reads from. *api.Client satisfies it.
type Backend interface {
	Session(ctx context.Context, id int64) (quest.SessionDetail, error)
	Quest(ctx context.Context, id int64) (quest.Quest, error)
	Checkpoints(ctx context.Context, questID int64) ([]quest.Checkpoint, error)
	LatestLocations(ctx context.Context, sessionID int64) ([]quest.ParticipantLocation, error)
	Scores(ctx context.Context, sessionID int64) (quest.SessionScores, error)
	Results(ctx context.Context, sessionID int64) (quest.SessionResults, error)
	PendingPhotos(ctx context.Context, sessionID int64) ([]quest.PendingPhoto, error)
	ModeratePhoto(ctx context.Context, sessionID, photoID int64, req api.ModerateRequest) (api.ModerateResponse, error)
	CancelSession(ctx context.Context, sessionID int64) (quest.SessionDetail, error)
	Reschedule(ctx context.Context, sessionID int64, start time.Time) error
	ServerTime(ctx context.Context) (time.Time, error)
}

type Listener interface {
	Connected() bool
	Close()
}

type LifecycleListener interface {
	Listener
	SubscribeToSession(id int64)
}

// Channels constructs the push listeners of a monitor.
type Channels interface {
	Lifecycle(ctx context.Context, sink channel.Sink, onError func(string)) (LifecycleListener, error)
	Telemetry(ctx context.Context, sessionID int64, status quest.Status, sink channel.Sink, onError func(string)) (Listener, error)
}

// SocketChannels dials the real websocket listeners.
type SocketChannels struct {
	Config channel.Config
}

func (c SocketChannels) Lifecycle(ctx context.Context, sink channel.Sink, onError func(string)) (LifecycleListener, error) {
	l, err := channel.DialLifecycle(ctx, c.Config, sink, onError)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (c SocketChannels) Telemetry(ctx context.Context, sessionID int64, status quest.Status, sink channel.Sink, onError func(string)) (Listener, error) {
	t, err := channel.DialTelemetry(ctx, c.Config, sessionID, status, sink, onError)
	if err != nil {
		return nil, err
	}
	return t, nil
}
