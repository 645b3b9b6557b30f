package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login flow endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SessionMiddleware(a.Sessions))
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(MetricsMiddleware(a.Metrics))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get("/healthz", a.handleHealth)
	if a.Config.Server.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}

	r.Route(a.Config.Auth.RoutePrefix, func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Get("/logout", a.handleLogout)
		r.Get("/profile", a.handleProfile)
	})

	return r
}
