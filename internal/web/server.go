package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ppd-epc-link/internal/config"
	"github.com/ppd-epc-link/internal/web/handlers"
	"github.com/ppd-epc-link/internal/web/middleware"
)

// Server serves the linkage status API
type Server struct {
	config     config.WebConfig
	logger     *zap.Logger
	httpServer *http.Server
	router     *mux.Router
}

// NewServer creates a new web server instance. A nil gatherer leaves
// /metrics unrouted.
func NewServer(cfg config.WebConfig, api *handlers.APIHandler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{config: cfg, logger: logger}
	s.setupRoutes(api, gatherer)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(api *handlers.APIHandler, gatherer prometheus.Gatherer) {
	s.router = mux.NewRouter()

	// OPTIONS must match a route for the CORS middleware to answer preflights
	s.router.HandleFunc("/health", api.Health).Methods("GET", "OPTIONS")
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET", "OPTIONS")
	}

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/stats", api.GetStats).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/rules", api.GetRules).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/runs", api.ListRuns).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/runs/{id}", api.GetRun).Methods("GET", "OPTIONS")

	s.router.Use(middleware.CORS())
	s.router.Use(middleware.RequestLogging(s.logger))
	apiRouter.Use(middleware.Authentication(s.config.APIKey))
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}
