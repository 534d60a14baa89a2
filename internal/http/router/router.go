// Package router assembles the HTTP routes.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	federationctrl "github.com/LoganSeven/publik-famille-demo-sub018/internal/http/controllers/federation"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/helpers"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/http/middlewares"
)

// Deps carries everything the router mounts.
type Deps struct {
	Federation *federationctrl.Controller
	// Healthy reports readiness; nil means always ready.
	Healthy func() error
}

// New builds the chi router with the standard middleware stack.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.RequestLogger)
	r.Use(middleware.Recoverer)

	deps.Federation.Register(r)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if deps.Healthy != nil {
			if err := deps.Healthy(); err != nil {
				helpers.WriteError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
				return
			}
		}
		helpers.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
