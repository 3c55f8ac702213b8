// Package server exposes the pipeline over HTTP.
//
// The layer is deliberately thin: decode, call a service, encode. All domain
// rules live in the services; every error funnels through the shared error
// envelope.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mathewab/actual-assist-sub002/internal/audit"
	apperrors "github.com/mathewab/actual-assist-sub002/internal/errors"
	"github.com/mathewab/actual-assist-sub002/internal/server/middleware"
	"github.com/mathewab/actual-assist-sub002/pkg/jobs"
	"github.com/mathewab/actual-assist-sub002/pkg/orchestrator"
	"github.com/mathewab/actual-assist-sub002/pkg/payeemerge"
	"github.com/mathewab/actual-assist-sub002/pkg/suggest"
	"github.com/mathewab/actual-assist-sub002/pkg/syncer"
)

// Deps collects everything the HTTP layer calls into.
type Deps struct {
	DB           *sql.DB
	Jobs         *jobs.Service
	Orchestrator *orchestrator.Orchestrator
	Suggestions  *suggest.Service
	Planner      *syncer.Planner
	Executor     *syncer.Executor
	Plans        *syncer.Registry
	Merger       *payeemerge.Engine
	Recorder     *audit.Recorder
	Logger       *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *zap.Logger
}

// New builds a Server listening on host:port.
func New(host string, port int, readTimeout, writeTimeout time.Duration, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handler{deps: deps, logger: logger}

	router := chi.NewRouter()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorEnvelope(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrorEnvelope(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	router.Get("/healthz", h.health)

	router.Route("/api", func(api chi.Router) {
		api.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.createJob)
			r.Get("/", h.listJobs)
			r.Get("/{jobID}", h.getJob)
			r.Delete("/{jobID}", h.deleteJob)
			r.Post("/{jobID}/cancel", h.cancelJob)
		})

		api.Route("/suggestions", func(r chi.Router) {
			r.Post("/{suggestionID}/approve", h.approveSuggestion)
			r.Post("/{suggestionID}/reject", h.rejectSuggestion)
		})

		api.Route("/plans", func(r chi.Router) {
			r.Post("/{planID}/execute", h.executePlan)
		})

		api.Route("/budgets/{budgetID}", func(r chi.Router) {
			r.Get("/suggestions", h.listSuggestions)
			r.Post("/plans", h.createPlan)
			r.Get("/audit", h.listAudit)

			r.Route("/payees", func(p chi.Router) {
				p.Get("/clusters", h.listClusters)
				p.Post("/clusters/{groupHash}/hide", h.hideCluster)
				p.Post("/clusters/{groupHash}/unhide", h.unhideCluster)
				p.Get("/disambiguation", h.disambiguatePayee)
				p.Post("/merge", h.mergePayees)
			})
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		router: router,
		logger: logger,
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSONBody(w, apperrors.HTTPErrorResponse{
		Error: apperrors.HTTPErrorBody{Code: code, Message: message},
	})
}
