package server

import (
	"log/slog"
	"net/http"

	"github.com/questly/questmonitor/internal/storage"
)

type Preferences struct {
	Locale string `json:"locale"`
	Theme  string `json:"theme"`
}

func handleGetPreferences(logger *slog.Logger, store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locale, err := store.Locale(r.Context())
		if err != nil {
			logger.Error("reading locale", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		theme, err := store.Theme(r.Context())
		if err != nil {
			logger.Error("reading theme", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, Preferences{Locale: locale, Theme: theme})
	}
}

// handlePutPreferences updates only the fields that are set.
func handlePutPreferences(logger *slog.Logger, store *storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Preferences
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Locale != "" {
			if err := store.SetLocale(r.Context(), req.Locale); err != nil {
				logger.Error("writing locale", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}
		if req.Theme != "" {
			if err := store.SetTheme(r.Context(), req.Theme); err != nil {
				logger.Error("writing theme", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
		}

		handleGetPreferences(logger, store)(w, r)
	}
}
