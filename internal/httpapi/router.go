// Package httpapi mounts the auth routes and service plumbing on one router.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"auth-service/internal/auth"
	"auth-service/internal/maintenance"
	"auth-service/internal/observability"
	"auth-service/internal/ratelimit"
)

type Limiters struct {
	Login    ratelimit.Limiter
	Register ratelimit.Limiter
	Refresh  ratelimit.Limiter
	Logout   ratelimit.Limiter
}

type Deps struct {
	Auth     *auth.Handler
	Verifier auth.AccessVerifier
	Cleanup  *maintenance.CleanupHandler
	Ping     func(ctx context.Context) error
	Limiters Limiters
	Logger   *observability.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	limit := func(l ratelimit.Limiter, name, message string) func(http.Handler) http.Handler {
		if l == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return ratelimit.Middleware(l, d.Logger, name, message)
	}

	r.Route("/users/auth", func(r chi.Router) {
		r.With(limit(d.Limiters.Register, "register", "Too many accounts created from this IP, please try again after an hour")).
			Post("/register", d.Auth.Register)
		r.With(limit(d.Limiters.Login, "login", "Too many login attempts from this IP, please try again after 15 minutes")).
			Post("/login", d.Auth.Login)
		r.With(limit(d.Limiters.Refresh, "refresh", "Too many token refresh attempts, please try again later")).
			Post("/refresh", d.Auth.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(limit(d.Limiters.Logout, "logout", "Too many logout requests, please try again later"))
			r.Post("/logout", d.Auth.Logout)
			r.Post("/logout-all", d.Auth.LogoutAll)
		})

		r.With(auth.RequireAuth(d.Verifier)).Get("/me", d.Auth.Me)
		r.With(auth.OptionalAuth(d.Verifier)).Get("/session", d.Auth.Session)
	})

	r.Get("/healthcheck", healthHandler(d.Ping))

	if d.Cleanup != nil {
		r.Get("/internal/maintenance/cleanup", d.Cleanup.Handle)
		r.Post("/internal/maintenance/cleanup", d.Cleanup.Handle)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not found"})
	})

	return observability.RecoverMiddleware(d.Logger, observability.RequestLoggingMiddleware(d.Logger, r))
}

func healthHandler(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if ping != nil {
			if err := ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
