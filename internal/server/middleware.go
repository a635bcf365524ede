package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/questly/questmonitor/internal/api"
	"github.com/questly/questmonitor/internal/monitor"
)

type ctxKey int

const (
	ctxKeyMonitor ctxKey = iota
)

// sessionMiddleware resolves {sessionID} to a running monitor, starting one
// on first use.
func sessionMiddleware(monitors *monitor.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := sessionID(r)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid session id")
				return
			}

			m, err := monitors.Get(r.Context(), id)
			if err != nil {
				status, msg := loadFailure(err)
				writeError(w, status, msg)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyMonitor, m)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	return id, err == nil && id > 0
}

func loadFailure(err error) (int, string) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, api.ErrUnauthorized):
		return http.StatusUnauthorized, "session expired"
	default:
		return http.StatusBadGateway, "failed to load session"
	}
}

func monitorFrom(r *http.Request) *monitor.Monitor {
	return r.Context().Value(ctxKeyMonitor).(*monitor.Monitor)
}

const operatorUser = "operator"

// operatorAuth guards the dashboard with HTTP basic auth against a bcrypt
// hash. An empty hash leaves the dashboard open.
func operatorAuth(passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if passwordHash == "" {
			return next
		}
		hash := []byte(passwordHash)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(user), []byte(operatorUser)) != 1 ||
				bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="questmonitor"`)
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
