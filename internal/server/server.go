// Package server exposes the engine over HTTP: a JSON API for the
// single-user dashboard plus a websocket price stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// Server is the HTTP front end.
type Server struct {
	router   chi.Router
	handlers *Handlers
	hub      *PriceHub
	http     *http.Server
	log      zerolog.Logger
}

// New creates the server and mounts all routes.
func New(port int, handlers *Handlers, hub *PriceHub, log zerolog.Logger) *Server {
	s := &Server{
		handlers: handlers,
		hub:      hub,
		log:      log.With().Str("component", "server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handlers.Health)
	r.Get("/ws/prices", hub.Serve)

	r.Route("/api", func(r chi.Router) {
		r.Route("/signals", func(r chi.Router) {
			r.Get("/", handlers.ListSignals)
			r.Post("/", handlers.CreateSignal)
			r.Get("/{id}", handlers.GetSignal)
			r.Post("/{id}/approve", handlers.ApproveSignal)
			r.Post("/{id}/reject", handlers.RejectSignal)
			r.Put("/{id}", handlers.ModifySignal)
			r.Post("/{id}/process", handlers.ProcessSignal)
		})
		r.Route("/theses", func(r chi.Router) {
			r.Get("/", handlers.ListTheses)
			r.Post("/", handlers.CreateThesis)
			r.Get("/{id}", handlers.GetThesis)
			r.Get("/{id}/versions", handlers.ThesisVersions)
			r.Post("/{id}/transition", handlers.TransitionThesis)
			r.Post("/{id}/symbols", handlers.AddThesisSymbols)
			r.Get("/{id}/outcomes", handlers.ThesisOutcomes)
		})
		r.Route("/principles", func(r chi.Router) {
			r.Get("/", handlers.ListPrinciples)
			r.Post("/", handlers.CreatePrinciple)
		})
		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/positions", handlers.ListPositions)
			r.Get("/performance", handlers.Performance)
			r.Get("/drawdown", handlers.Drawdown)
			r.Get("/exposure", handlers.Exposure)
			r.Get("/trades", handlers.ListTrades)
			r.Post("/reconcile", handlers.RunReconcile)
		})
		r.Route("/risk", func(r chi.Router) {
			r.Get("/limits", handlers.ListRiskLimits)
			r.Put("/limits/{type}", handlers.SetRiskLimit)
			r.Get("/killswitch", handlers.GetKillSwitch)
			r.Post("/killswitch", handlers.SetKillSwitch)
		})
		r.Get("/whatifs", handlers.ListWhatIfs)
		r.Get("/whatifs/summary", handlers.WhatIfSummary)
		r.Get("/outcomes", handlers.AllOutcomes)
		r.Get("/sources", handlers.SourceStats)
		r.Get("/jobs", handlers.ListJobs)
		r.Post("/jobs/{name}/run", handlers.RunJob)
		r.Get("/audit", handlers.AuditLog)
	})

	s.router = r
	return s
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info().Int("port", port).Msg("http server listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error kind onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindStateConflict:
		status = http.StatusConflict
	case domain.KindRiskBlocked:
		status = http.StatusUnprocessableEntity
	case domain.KindBroker, domain.KindUpstream:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
