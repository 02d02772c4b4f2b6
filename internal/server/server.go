// Package server exposes the receipt use cases over HTTP (gin) and serves gRPC health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the HTTP server configuration
type Config struct {
	Debug        bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server wraps the HTTP server
type Server struct {
	config     Config
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
}

// Deps are the pieces the router wires together.
type Deps struct {
	Handler  *Handler
	Auth     Authenticator
	Gatherer prometheus.Gatherer
	// Ping reports database health for GET /health.
	Ping func(ctx context.Context) error
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(deps Deps, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(logger))
	router.Use(RequestID())
	router.Use(Logger(logger))

	router.GET("/health", healthHandler(deps.Ping, logger))
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/", Auth(deps.Auth, logger))
	h := deps.Handler

	receipts := api.Group("/receipts")
	receipts.POST("", h.UploadReceipt)
	receipts.GET("/paginated", h.ListReceipts)
	receipts.GET("/:id", h.GetReceipt)
	receipts.GET("/:id/blob", h.GetReceiptBlob)
	receipts.GET("/:id/thumbnail", h.GetReceiptThumbnail)
	receipts.GET("/:id/history", h.GetReceiptHistory)
	receipts.POST("/:id/rotate", h.RotateReceipt)
	receipts.DELETE("/:id", h.DeleteReceipt)

	api.POST("/transactions/:id/merge", h.MergeIntoTransaction)
	api.GET("/reports/audit.xlsx", h.AuditReport)

	return router
}

// New creates a new API server
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := NewRouter(deps, logger)
	return &Server{
		config:  cfg,
		handler: handler,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called. It returns nil once the server was shut down,
// including when Shutdown ran first.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
