package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkdash/inkdash/pkg/event"
	"github.com/inkdash/inkdash/pkg/models"
	"github.com/inkdash/inkdash/pkg/utils"
)

// RouteRegistrar is implemented by every handler in pkg/handler.
type RouteRegistrar interface {
	RegisterRoutes(r *gin.RouterGroup)
}

type ServerOptions struct {
	Host         string
	Port         int
	Driver       string
	DashboardURL string
	Handlers     []RouteRegistrar
	Events       *event.WSHandler
}

type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	opts      ServerOptions
	port      int
}

func NewServer(opts ServerOptions) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(requestLogger(utils.GetLogger()))

	// Displays and dashboards fetch images from arbitrary origins, and the
	// API carries no cookies, so any origin may read it.
	ginEngine.Use(func(c *gin.Context) {
		if origin := c.Request.Header.Get("Origin"); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		opts:      opts,
		port:      opts.Port,
	}
	server.SetupRoutes()
	return server
}

// requestLogger logs each request at Debug, and failures at Warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("Request failed", attrs...)
			return
		}
		logger.Debug("Request", attrs...)
	}
}

func (s *Server) SetupRoutes() {
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API group
	// /api
	apiGroup := s.ginEngine.Group("/api")

	apiGroup.GET("/runtime", func(c *gin.Context) {
		host := s.opts.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		c.JSON(http.StatusOK, models.RuntimeInfo{
			HTTPBaseURL:  fmt.Sprintf("http://%s:%d", host, s.port),
			WSBaseURL:    fmt.Sprintf("ws://%s:%d", host, s.port),
			Port:         s.port,
			Driver:       s.opts.Driver,
			DashboardURL: s.opts.DashboardURL,
		})
	})

	for _, h := range s.opts.Handlers {
		h.RegisterRoutes(apiGroup)
	}

	// /api/events/ws
	if s.opts.Events != nil {
		apiGroup.GET("/events/ws", s.opts.Events.Handle)
	}
}

// Run serves until ctx is done, then shuts down gracefully. A port that is
// already taken fails immediately.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	srv := &http.Server{Addr: addr, Handler: s.ginEngine, ReadHeaderTimeout: 10 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	// Record the actual port (useful with :0).
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
