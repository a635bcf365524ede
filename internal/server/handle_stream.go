package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleStream pushes every snapshot of one session over a websocket. The
// stream is one-way; client messages other than close are ignored.
func handleStream(logger *slog.Logger, origins []string) http.HandlerFunc {
	hosts := originHosts(origins)
	return func(w http.ResponseWriter, r *http.Request) {
		m := monitorFrom(r)

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:     hosts,
			InsecureSkipVerify: len(hosts) == 0,
		})
		if err != nil {
			logger.Error("websocket accept failed", "error", err)
			return
		}
		defer conn.CloseNow()

		updates, cancel := m.Subscribe()
		defer cancel()

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				logger.Debug("websocket stream ended", "session_id", m.SessionID(), "error", ctx.Err())
				return
			case snap, ok := <-updates:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "monitor closed")
					return
				}
				if err := write(ctx, conn, snap); err != nil {
					logger.Debug("websocket write failed", "session_id", m.SessionID(), "error", err)
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

// originHosts turns CORS origins into the host patterns websocket.Accept
// matches against.
func originHosts(origins []string) []string {
	var hosts []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		} else {
			hosts = append(hosts, o)
		}
	}
	return hosts
}
