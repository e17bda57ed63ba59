package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on http.DefaultServeMux
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/internal/health"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/reservation"
)

const healthCheckInterval = 30 * time.Second

// EncoderStatus is the view of an encoder exposed by the status API.
type EncoderStatus interface {
	Stats() codec.EncoderStats
	DrainHealth() codec.DrainHealth
	RequestKeyframe()
}

// DecoderStatus is the view of a decoder exposed by the status API.
type DecoderStatus interface {
	Stats() codec.DecoderStats
}

// Server is the HTTP status server for the codec adapters.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger
	backend      reservation.Backend
	healthMgr    *health.Manager
	errorHandler *cerrors.ErrorHandler
	metricsPath  string
	routesOnce   sync.Once

	mu      sync.RWMutex
	encoder EncoderStatus
	decoder DecoderStatus

	additionalRoutes []func(*mux.Router)
}

// New creates a new server instance.
func New(cfg *config.ServerConfig, log *logrus.Logger, backend reservation.Backend) *Server {
	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		backend:      backend,
		healthMgr:    health.NewManager(logger.Wrap(log)),
		errorHandler: cerrors.NewErrorHandler(log),
	}
	if backend != nil {
		s.healthMgr.Register(health.NewReservationChecker(backend))
	}
	return s
}

// EnableMetrics exposes the prometheus registry at path.
func (s *Server) EnableMetrics(path string) {
	if path == "" {
		path = "/metrics"
	}
	s.metricsPath = path
}

// AttachCodecs makes the adapters visible on the status API and registers
// the encoder drain liveness check. Either may be nil.
func (s *Server) AttachCodecs(enc EncoderStatus, dec DecoderStatus, drainStaleAfter time.Duration) {
	s.mu.Lock()
	s.encoder = enc
	s.decoder = dec
	s.mu.Unlock()

	if enc != nil {
		s.healthMgr.Register(health.NewDrainChecker(enc, drainStaleAfter))
	}
}

// Handler returns the fully routed handler. Routes are set up on first use.
func (s *Server) Handler() http.Handler {
	s.setupRoutes()
	return s.router
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.Port)),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.healthMgr.StartPeriodicChecks(ctx, healthCheckInterval)

	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down status server")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info("Status server shutdown complete")
	return nil
}

func (s *Server) setupRoutes() {
	s.routesOnce.Do(s.registerRoutes)
}

func (s *Server) registerRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(logger.RequestLoggerMiddleware(s.logger))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)

	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	if s.metricsPath != "" {
		s.router.Handle(s.metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.rateLimitMiddleware(rate.NewLimiter(apiRequestsPerSecond, apiBurst)))
	api.HandleFunc("/codecs", s.handleCodecs).Methods(http.MethodGet)
	api.HandleFunc("/codecs/encoder/keyframe", s.handleKeyframe).Methods(http.MethodPost)

	if s.config.DebugEndpoints {
		s.logger.Info("Enabling debug endpoints")
		s.router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	}

	for _, registerFunc := range s.additionalRoutes {
		registerFunc(s.router)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// RegisterRoutes adds additional route handlers. It must be called before
// Start or Handler.
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.additionalRoutes = append(s.additionalRoutes, registerFunc)
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}
