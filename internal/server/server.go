// Package server exposes the operator HTTP surface: metrics, health probes
// and read-only cluster, cache and billing views.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	perrors "github.com/devrev/riptide-persistence/internal/errors"
	"github.com/devrev/riptide-persistence/internal/health"
	"github.com/devrev/riptide-persistence/internal/model"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ClusterView lists live cluster members
type ClusterView interface {
	Nodes(ctx context.Context) ([]model.NodeInfo, error)
}

// LeaderView reports this node's leadership
type LeaderView interface {
	IsLeader() bool
}

// BillingSource serves per-tenant billing snapshots
type BillingSource interface {
	GetBillingSnapshot(ctx context.Context, tenantID string) (*model.BillingSnapshot, error)
}

// StatsFunc returns a JSON-encodable stats document
type StatsFunc func() interface{}

// Config holds configuration for the HTTP server
type Config struct {
	Port        int
	MetricsPath string
	// ShutdownTimeout bounds Stop when the caller's ctx has no deadline
	ShutdownTimeout time.Duration
}

// Deps are the views the server renders; nil views leave their route unregistered
type Deps struct {
	Gatherer prometheus.Gatherer
	Health   *health.Checker
	Cluster  ClusterView
	Leader   LeaderView
	Billing  BillingSource
	Stats    StatsFunc
	NodeID   string
	Logger   *zap.Logger
}

// Server serves Prometheus metrics and operator endpoints via HTTP
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	timeout    time.Duration
	logger     *zap.Logger
}

// ClusterResponse is the body of GET /cluster
type ClusterResponse struct {
	NodeID   string           `json:"node_id"`
	IsLeader bool             `json:"is_leader"`
	Nodes    []model.NodeInfo `json:"nodes"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates the server and its routes
func New(cfg Config, deps Deps) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:    deps,
		timeout: cfg.ShutdownTimeout,
		logger:  deps.Logger,
	}
	s.setupRoutes(cfg.MetricsPath)
	return s
}

func (s *Server) setupRoutes(metricsPath string) {
	s.router.Use(s.logRequests)

	if s.deps.Gatherer != nil {
		s.router.Handle(metricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.deps.Health != nil {
		s.router.HandleFunc("/health", s.deps.Health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/ready", s.deps.Health.ReadinessHandler).Methods(http.MethodGet)
	}
	if s.deps.Cluster != nil {
		s.router.HandleFunc("/cluster", s.clusterHandler).Methods(http.MethodGet)
	}
	if s.deps.Stats != nil {
		s.router.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	}
	if s.deps.Billing != nil {
		s.router.HandleFunc("/tenants/{tenant_id}/billing", s.billingHandler).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Code: "not_found", Message: "endpoint not found"})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Code: "invalid_request", Message: "method not allowed"})
	})
}

// Handler returns the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) clusterHandler(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.deps.Cluster.Nodes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := ClusterResponse{NodeID: s.deps.NodeID, Nodes: nodes}
	if s.deps.Leader != nil {
		resp.IsLeader = s.deps.Leader.IsLeader()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Stats())
}

func (s *Server) billingHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	snapshot, err := s.deps.Billing.GetBillingSnapshot(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := perrors.GetCode(err)
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("code", code.String()), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{Code: code.String(), Message: err.Error()})
}

// httpStatus maps a persistence error through its gRPC code
func httpStatus(err error) int {
	pe, ok := perrors.AsPersistenceError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch pe.ToGRPCStatus().Code() {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
