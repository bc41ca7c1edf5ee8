// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sdk-batch-processor/internal/models"
	"github.com/sdk-batch-processor/internal/service"
)

// Service interfaces for dependency injection and testing

// SubmitServiceInterface defines the on-demand submission operations
type SubmitServiceInterface interface {
	Submit(ctx context.Context, hash string) (*service.SubmitResult, error)
	Status(ctx context.Context, hash string) (*service.SubmissionStatus, error)
}

// BatchRunReader defines read access to batch run history
type BatchRunReader interface {
	GetByID(ctx context.Context, id string) (*models.BatchRun, error)
	ListRecent(ctx context.Context, limit int) ([]*models.BatchRun, error)
}

// HealthProbe reports the state of one dependency. A non-nil error marks the service degraded.
type HealthProbe func(ctx context.Context) (interface{}, error)

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	submitService SubmitServiceInterface
	batchRuns     BatchRunReader
	probes        map[string]HealthProbe
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds one submit call, including the ledger confirmation wait
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	submitService SubmitServiceInterface,
	batchRuns BatchRunReader,
	probes map[string]HealthProbe,
) *Server {
	if probes == nil {
		probes = map[string]HealthProbe{}
	}
	s := &Server{
		router:        mux.NewRouter(),
		submitService: submitService,
		batchRuns:     batchRuns,
		probes:        probes,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// order matters
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/submit", s.handleSubmit).Methods("POST")
	api.HandleFunc("/submit", s.handleSubmissionStatus).Methods("GET")

	api.HandleFunc("/batch-runs", s.handleListBatchRuns).Methods("GET")
	api.HandleFunc("/batch-runs/{id}", s.handleGetBatchRun).Methods("GET")
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
