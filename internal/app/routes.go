package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dispatchpilot/internal/handler"
	"github.com/dispatchpilot/internal/middleware"
)

func (app *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)

	// Health check
	r.Get("/api/health", handler.Health(app.kv, app.config.StoreDriver))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(rate.Limit(app.config.RateLimitPerSecond), app.config.RateLimitBurst))

		messagesHandler := handler.NewMessagesHandler(app.logger, app.dispatcher, app.hub)
		r.Post("/api/messages", messagesHandler.Post)
		r.Post("/api/drawer/toggle", messagesHandler.ToggleDrawer)

		settingsHandler := handler.NewSettingsHandler(app.logger, app.settingsStore, app.hub)
		r.Route("/api/settings", func(r chi.Router) {
			r.Get("/", settingsHandler.Get)
			r.Put("/", settingsHandler.Update)
			r.Get("/export", settingsHandler.Export)
			r.Post("/import", settingsHandler.Import)
			r.Post("/token", settingsHandler.RotateToken)
			r.Delete("/token", settingsHandler.ClearToken)
			r.Get("/events", settingsHandler.Events)
		})
	})
	return r
}
