package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/xengine/internal/api"
	apiMiddleware "github.com/phrazzld/xengine/internal/api/middleware"
)

// setupRouter creates the router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))
	r.Use(middleware.Recoverer)

	taskHandler := api.NewTaskHandler(app.manager, app.newDownload, app.journal, app.logger)
	photoHandler := api.NewPhotoHandler(app.previews, app.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Get("/tasks", taskHandler.ListTasks)
		r.Post("/tasks/downloads", taskHandler.CreateDownload)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Post("/tasks/{id}/start", taskHandler.StartTask)
		r.Post("/tasks/{id}/pause", taskHandler.PauseTask)
		r.Post("/tasks/{id}/abort", taskHandler.AbortTask)
		r.Get("/tasks/{id}/events", taskHandler.ListEvents)

		r.Get("/photos/{name}", photoHandler.GetPhoto)
		r.Get("/events", app.hub.ServeHTTP)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
