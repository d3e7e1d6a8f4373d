package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/api/websocket"
	"github.com/KevinKickass/RegisterMapper/internal/auth"
	"github.com/KevinKickass/RegisterMapper/internal/interfaces"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	gatherer    prometheus.Gatherer
	authService *auth.Service
	wsHub       *websocket.Hub
	logger      *zap.Logger
	server      *http.Server
}

func NewServer(lm interfaces.LifecycleManager, gatherer prometheus.Gatherer, authService *auth.Service, wsHub *websocket.Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		gatherer:    gatherer,
		authService: authService,
		wsHub:       wsHub,
		logger:      logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if s.gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	// WebSocket (auth via first message)
	if s.wsHub != nil {
		s.router.GET("/api/v1/ws/live", s.wsLiveConnection)
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	v1.Use(s.authService.Middleware())
	{
		system := v1.Group("/system")
		system.Use(s.authService.RequirePermission(auth.PermRead))
		{
			system.GET("/status", s.getSystemStatus)
		}

		devices := v1.Group("/devices")
		{
			devices.GET("", s.authService.RequirePermission(auth.PermRead), s.listDevices)
			devices.GET("/:name/read", s.authService.RequirePermission(auth.PermRead), s.readDevice)
			devices.PUT("/:name/write", s.authService.RequirePermission(auth.PermWrite), s.writeDevice)
		}

		if s.wsHub != nil {
			v1.GET("/ws/status", s.authService.RequirePermission(auth.PermRead), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
