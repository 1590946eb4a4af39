/**
 * @description
 * This file sets up the HTTP router for the relay-service. It defines the API endpoints,
 * associates them with their handlers, and applies middleware for logging, CORS and
 * session authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the operator UI.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the relay-service routes.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(KeepPeerAddr)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/setup", h.handleSetup)
		r.Post("/login", h.handleLogin)
		r.Get("/status", h.handleAuthStatus)
		r.With(h.sessions.RequireSession).Post("/logout", h.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.sessions.RequireSession)

		r.Get("/network", h.handleGetNetwork)
		r.Put("/network", h.handleSetNetwork)

		r.Get("/fees", h.handleFeeRates)
		r.Get("/fees/estimate", h.handleEstimate)

		r.Get("/chains", h.handleListChains)
		r.Post("/chains", h.handleCreateChain)
		r.Route("/chains/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetChain)
			r.Post("/activate", h.chainAction("activate chain", activateChain))
			r.Post("/cancel", h.chainAction("cancel chain", cancelChain))
			r.Post("/retry", h.chainAction("retry chain", retryChain))
			r.Post("/sync", h.chainAction("sync chain", syncChain))
			r.Get("/export", h.chainAction("export keys", exportKeys))
		})

		r.Get("/address/validate", h.handleValidateAddress)
		r.Get("/address/balance", h.handleAddressBalance)

		r.Get("/engine/status", h.handleEngineStatus)
		r.Post("/engine/start", h.handleEngineStart)
		r.Post("/engine/stop", h.handleEngineStop)
	})

	return r
}
