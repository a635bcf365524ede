package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ssePing  = 30 * time.Second
	sseRetry = 3 * time.Second
)

// handleEvents streams snapshots of one session as server-sent events,
// starting with the current one. Event ids are snapshot versions; updates
// not newer than the last one written are skipped. The stream ends with a
// closed event once the monitor shuts down.
func handleEvents(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := monitorFrom(r)

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		ch := broker.Subscribe(m.SessionID())
		defer broker.Unsubscribe(m.SessionID(), ch)

		// Only watched for closing; snapshot data comes from the broker.
		lifetime, cancel := m.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds())

		snap := m.Snapshot()
		last := snap.Version
		if data, err := json.Marshal(snap); err == nil {
			writeEvent(w, last, data)
		}
		flusher.Flush()

		ping := time.NewTicker(ssePing)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case _, ok := <-lifetime:
				if !ok {
					fmt.Fprintf(w, "event: closed\ndata: monitor closed\n\n")
					flusher.Flush()
					return
				}
			case u := <-ch:
				if u.Version <= last {
					continue
				}
				last = u.Version
				writeEvent(w, u.Version, u.Data)
				flusher.Flush()
			case <-ping.C:
				fmt.Fprintf(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w io.Writer, version uint64, data []byte) {
	fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", version, data)
}
