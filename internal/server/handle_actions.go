package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type ScheduleRequest struct {
	StartDate time.Time `json:"startDate"`
}

type ModerateRequest struct {
	Approved        bool   `json:"approved"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

func handleCancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := monitorFrom(r)
		if err := m.Cancel(r.Context()); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}

func handleSchedule() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ScheduleRequest
		if err := readJSON(r, &req); err != nil || req.StartDate.IsZero() {
			writeError(w, http.StatusBadRequest, "startDate is required")
			return
		}

		m := monitorFrom(r)
		if err := m.Reschedule(r.Context(), req.StartDate); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}

func handleRefresh() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := monitorFrom(r)
		if err := m.Refresh(r.Context()); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}

func handleModerate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		photoID, err := strconv.ParseInt(chi.URLParam(r, "photoID"), 10, 64)
		if err != nil || photoID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid photo id")
			return
		}

		var req ModerateRequest
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !req.Approved && req.RejectionReason == "" {
			writeError(w, http.StatusBadRequest, "rejectionReason is required when rejecting")
			return
		}

		m := monitorFrom(r)
		if err := m.Moderate(r.Context(), photoID, req.Approved, req.RejectionReason); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m.Snapshot())
	}
}
