package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/api/handlers"
	"github.com/drfirst/go-rxguard/internal/api/middleware"
	"github.com/drfirst/go-rxguard/internal/app"
	"github.com/drfirst/go-rxguard/internal/audit"
	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/observability/metrics"
	"github.com/drfirst/go-rxguard/pkg/circuitbreaker"
)

// routes holds what the HTTP surface needs from the assembled application
type routes struct {
	Workflow handlers.Prescriptions
	Issuer   handlers.TokenIssuer
	Creds    auth.CredentialStore
	Audit    audit.Log
	Authn    middleware.Authenticator
	Ready    func(ctx context.Context) error
	Breakers func() []circuitbreaker.HealthStatus
	Gatherer prometheus.Gatherer
}

func routesFor(a *app.App) routes {
	return routes{
		Workflow: a.Workflow,
		Issuer:   a.Gateway,
		Creds:    a.Staff,
		Audit:    a.Audit,
		Authn:    a.Gateway,
		Ready:    a.Ready,
		Breakers: a.Breakers.GetHealthStatus,
		Gatherer: a.Registry,
	}
}

func newRouter(rt routes, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName, "version": version})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Ready(r.Context()); err != nil {
			reply(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "reason": err.Error()})
			return
		}
		body := map[string]any{"status": "ready"}
		if rt.Breakers != nil {
			body["breakers"] = rt.Breakers()
		}
		reply(w, http.StatusOK, body)
	})
	r.Handle("/metrics", metrics.Handler(rt.Gatherer))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", handlers.NewAuthHandler(rt.Issuer, rt.Creds, rt.Audit, logger).Routes())
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(rt.Authn, logger))
			r.Mount("/prescriptions", handlers.NewPrescriptionHandler(rt.Workflow, logger).Routes())
		})
	})
	return r
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
