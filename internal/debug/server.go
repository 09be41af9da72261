// Package debug serves a local-only HTTP endpoint for inspecting a running
// bridge. It is off unless a listen address is configured.
package debug

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/durango-dev/durango/internal/bridge"
	"github.com/durango-dev/durango/internal/common/logger"
)

// Server exposes /healthz and /status on a local address.
type Server struct {
	srv    *http.Server
	logger *logger.Logger
}

// NewServer builds the debug server for the given bridge.
func NewServer(addr string, b *bridge.Bridge, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Status())
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.WithFields(zap.String("component", "debug-server")),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info("debug server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("debug server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
