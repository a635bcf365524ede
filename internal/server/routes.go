package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/swaggest/swgui/v5emb"

	"github.com/questly/questmonitor/internal/handler/health"
)

func addRoutes(r chi.Router, logger *slog.Logger, deps Deps) {
	r.Get("/openapi.json", handleOpenAPI())
	r.Mount("/docs", v5emb.New("Quest Monitor API", "/openapi.json", "/docs"))
	r.Mount("/healthz", health.NewHandler(logger, deps.Checks).Routes())

	r.Route("/api", func(r chi.Router) {
		if len(deps.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   deps.CORSOrigins,
				AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
				AllowedHeaders:   []string{"Authorization", "Content-Type"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}
		r.Use(operatorAuth(deps.PasswordHash))

		r.Get("/preferences", handleGetPreferences(logger, deps.Store))
		r.Put("/preferences", handlePutPreferences(logger, deps.Store))

		r.Get("/sessions", handleListSessions(deps.Monitors))
		r.Post("/sessions", handleAddSession(logger, deps.Monitors, deps.Store))

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Delete("/", handleRemoveSession(logger, deps.Monitors, deps.Store))

			// {sessionID} resolved to a running monitor.
			r.Group(func(r chi.Router) {
				r.Use(sessionMiddleware(deps.Monitors))
				r.Get("/", handleSnapshot())
				r.Get("/events", handleEvents(deps.Broker))
				r.Get("/stream", handleStream(logger, deps.CORSOrigins))
				r.Get("/results", handleResults())
				r.Get("/invite.png", handleInviteQR(logger))
				r.Post("/cancel", handleCancel())
				r.Put("/schedule", handleSchedule())
				r.Post("/refresh", handleRefresh())
				r.Post("/photos/{photoID}/moderate", handleModerate())
			})
		})
	})
}
