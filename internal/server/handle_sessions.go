package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/questly/questmonitor/internal/monitor"
	"github.com/questly/questmonitor/internal/quest"
	"github.com/questly/questmonitor/internal/storage"
)

type SessionSummary struct {
	SessionID    int64        `json:"sessionId"`
	Title        string       `json:"title"`
	Status       quest.Status `json:"status"`
	Timer        string       `json:"timer"`
	Participants int          `json:"participants"`
	Pending      int          `json:"pendingPhotos"`
	Error        string       `json:"error,omitempty"`
}

type AddSessionRequest struct {
	SessionID int64 `json:"sessionId"`
}

func summarize(s *monitor.Snapshot) SessionSummary {
	return SessionSummary{
		SessionID:    s.SessionID,
		Title:        s.Header.Title,
		Status:       s.Status,
		Timer:        s.Timer,
		Participants: s.Participants.Current,
		Pending:      len(s.PendingPhotos),
		Error:        s.Error,
	}
}

func handleListSessions(monitors *monitor.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]SessionSummary, 0)
		for _, id := range monitors.IDs() {
			if m, ok := monitors.Lookup(id); ok {
				out = append(out, summarize(m.Snapshot()))
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleAddSession starts monitoring a session and remembers it across
// restarts.
func handleAddSession(logger *slog.Logger, monitors *monitor.Registry, store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddSessionRequest
		if err := readJSON(r, &req); err != nil || req.SessionID <= 0 {
			writeError(w, http.StatusBadRequest, "sessionId is required")
			return
		}

		m, err := monitors.Get(r.Context(), req.SessionID)
		if err != nil {
			status, msg := loadFailure(err)
			writeError(w, status, msg)
			return
		}

		if err := store.AddMonitoredSession(r.Context(), req.SessionID); err != nil {
			logger.Error("remembering session", "session_id", req.SessionID, "error", err)
		}

		writeJSON(w, http.StatusCreated, m.Snapshot())
	}
}

func handleRemoveSession(logger *slog.Logger, monitors *monitor.Registry, store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}

		monitors.Drop(id)
		if err := store.RemoveMonitoredSession(r.Context(), id); err != nil {
			logger.Error("forgetting session", "session_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, monitorFrom(r).Snapshot())
	}
}

func handleResults() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := monitorFrom(r).Results(r.Context())
		if err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// writeActionError maps monitor and REST failures to a status code.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFinished),
		errors.Is(err, monitor.ErrFinished),
		errors.Is(err, monitor.ErrNotScheduled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, monitor.ErrStartInPast):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, monitor.ErrNotRunning), errors.Is(err, monitor.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		status, msg := loadFailure(err)
		if status == http.StatusBadGateway {
			msg = err.Error()
		}
		writeError(w, status, msg)
	}
}
