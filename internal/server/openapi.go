package server

import (
	"encoding/json"
	"net/http"

	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"

	"github.com/questly/questmonitor/internal/monitor"
)

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type sessionPath struct {
	SessionID int64 `path:"sessionID"`
}

type moderatePath struct {
	SessionID int64 `path:"sessionID"`
	PhotoID   int64 `path:"photoID"`
}

type moderateInput struct {
	moderatePath
	ModerateRequest
}

type scheduleInput struct {
	sessionPath
	ScheduleRequest
}

type inviteInput struct {
	sessionPath
	Size int `query:"size" minimum:"64" maximum:"1024" default:"256"`
}

func newOpenAPISpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Quest Monitor API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("Live view of quest sessions for organizers. /api routes use HTTP basic auth when an operator password is configured.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Returns the health status of backend dependencies.")
	getHealthz.AddRespStructure(map[string]HealthResult{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(map[string]HealthResult{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// GET /api/preferences
	getPrefs, _ := r.NewOperationContext(http.MethodGet, "/api/preferences")
	getPrefs.SetSummary("Get preferences")
	getPrefs.AddRespStructure(Preferences{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(getPrefs)

	// PUT /api/preferences
	putPrefs, _ := r.NewOperationContext(http.MethodPut, "/api/preferences")
	putPrefs.SetSummary("Update preferences")
	putPrefs.SetDescription("Sets locale and theme. Empty fields are left unchanged.")
	putPrefs.AddReqStructure(Preferences{})
	putPrefs.AddRespStructure(Preferences{}, openapi.WithHTTPStatus(http.StatusOK))
	putPrefs.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	_ = r.AddOperation(putPrefs)

	// GET /api/sessions
	listSessions, _ := r.NewOperationContext(http.MethodGet, "/api/sessions")
	listSessions.SetSummary("List monitored sessions")
	listSessions.AddRespStructure([]SessionSummary{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(listSessions)

	// POST /api/sessions
	addSession, _ := r.NewOperationContext(http.MethodPost, "/api/sessions")
	addSession.SetSummary("Monitor a session")
	addSession.SetDescription("Loads the session, opens its push channels and keeps monitoring it across restarts.")
	addSession.AddReqStructure(AddSessionRequest{})
	addSession.AddRespStructure(monitor.Snapshot{}, openapi.WithHTTPStatus(http.StatusCreated))
	addSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	addSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	addSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadGateway))
	_ = r.AddOperation(addSession)

	// DELETE /api/sessions/{sessionID}
	removeSession, _ := r.NewOperationContext(http.MethodDelete, "/api/sessions/{sessionID}")
	removeSession.SetSummary("Stop monitoring a session")
	removeSession.AddReqStructure(sessionPath{})
	removeSession.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusNoContent))
	_ = r.AddOperation(removeSession)

	// GET /api/sessions/{sessionID}
	getSession, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{sessionID}")
	getSession.SetSummary("Session snapshot")
	getSession.SetDescription("Returns the current display-ready view of the session.")
	getSession.AddReqStructure(sessionPath{})
	getSession.AddRespStructure(monitor.Snapshot{}, openapi.WithHTTPStatus(http.StatusOK))
	getSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	getSession.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getSession)

	// GET /api/sessions/{sessionID}/events
	getEvents, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{sessionID}/events")
	getEvents.SetSummary("SSE snapshot stream")
	getEvents.SetDescription("Server-Sent Events stream with a snapshot event after every change.")
	getEvents.AddReqStructure(sessionPath{})
	getEvents.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK),
		openapi.WithContentType("text/event-stream"))
	_ = r.AddOperation(getEvents)

	// GET /api/sessions/{sessionID}/stream
	getStream, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{sessionID}/stream")
	getStream.SetSummary("WebSocket snapshot stream")
	getStream.SetDescription("Upgrades to a WebSocket connection that pushes every snapshot as JSON.")
	getStream.AddReqStructure(sessionPath{})
	getStream.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("text/plain"))
	_ = r.AddOperation(getStream)

	// GET /api/sessions/{sessionID}/results
	getResults, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{sessionID}/results")
	getResults.SetSummary("Session results")
	getResults.SetDescription("Final rankings with decoded participant routes. Only for completed or cancelled sessions.")
	getResults.AddReqStructure(sessionPath{})
	getResults.AddRespStructure(monitor.Results{}, openapi.WithHTTPStatus(http.StatusOK))
	getResults.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	_ = r.AddOperation(getResults)

	// GET /api/sessions/{sessionID}/invite.png
	getInvite, _ := r.NewOperationContext(http.MethodGet, "/api/sessions/{sessionID}/invite.png")
	getInvite.SetSummary("Invite QR code")
	getInvite.AddReqStructure(inviteInput{})
	getInvite.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK),
		openapi.WithContentType("image/png"))
	getInvite.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(getInvite)

	// POST /api/sessions/{sessionID}/cancel
	postCancel, _ := r.NewOperationContext(http.MethodPost, "/api/sessions/{sessionID}/cancel")
	postCancel.SetSummary("Cancel session")
	postCancel.AddReqStructure(sessionPath{})
	postCancel.AddRespStructure(monitor.Snapshot{}, openapi.WithHTTPStatus(http.StatusOK))
	postCancel.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	_ = r.AddOperation(postCancel)

	// PUT /api/sessions/{sessionID}/schedule
	putSchedule, _ := r.NewOperationContext(http.MethodPut, "/api/sessions/{sessionID}/schedule")
	putSchedule.SetSummary("Reschedule session")
	putSchedule.SetDescription("Moves the start of a scheduled session. The new start must be in the future by server time.")
	putSchedule.AddReqStructure(scheduleInput{})
	putSchedule.AddRespStructure(monitor.Snapshot{}, openapi.WithHTTPStatus(http.StatusOK))
	putSchedule.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	putSchedule.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnprocessableEntity))
	_ = r.AddOperation(putSchedule)

	// POST /api/sessions/{sessionID}/refresh
	postRefresh, _ := r.NewOperationContext(http.MethodPost, "/api/sessions/{sessionID}/refresh")
	postRefresh.SetSummary("Reload session")
	postRefresh.SetDescription("Re-fetches the session over REST and returns the resulting snapshot.")
	postRefresh.AddReqStructure(sessionPath{})
	postRefresh.AddRespStructure(monitor.Snapshot{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(postRefresh)

	// POST /api/sessions/{sessionID}/photos/{photoID}/moderate
	postModerate, _ := r.NewOperationContext(http.MethodPost, "/api/sessions/{sessionID}/photos/{photoID}/moderate")
	postModerate.SetSummary("Moderate photo")
	postModerate.SetDescription("Approves or rejects a pending checkpoint photo. Rejection requires a reason.")
	postModerate.AddReqStructure(moderateInput{})
	postModerate.AddRespStructure(monitor.Snapshot{}, openapi.WithHTTPStatus(http.StatusOK))
	postModerate.AddRespStructure(ErrorResponse{}, openapi.WithHTTPStatus(http.StatusBadRequest))
	_ = r.AddOperation(postModerate)

	return r.Spec
}

func handleOpenAPI() http.HandlerFunc {
	spec := newOpenAPISpec()
	data, _ := json.MarshalIndent(spec, "", "  ")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}
