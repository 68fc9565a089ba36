package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/CoSimBridge/internal/api/websocket"
	"github.com/KevinKickass/CoSimBridge/internal/config"
	"github.com/KevinKickass/CoSimBridge/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router  *gin.Engine
	lm      interfaces.LifecycleManager
	logger  *zap.Logger
	server  *http.Server
	wsHub   *websocket.Hub
	metrics http.Handler
}

// NewServer builds the HTTP API. metricsHandler may be nil, which leaves
// /metrics unrouted.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, metricsHandler http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:  gin.New(),
		lm:      lm,
		logger:  logger,
		wsHub:   wsHub,
		metrics: metricsHandler,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== SYSTEM ====================
		system := v1.Group("/system")
		{
			system.GET("/status", s.getSystemStatus)
			system.POST("/shutdown", s.shutdown)
		}

		// ==================== SIMULATION ====================
		simulation := v1.Group("/simulation")
		{
			simulation.GET("/status", s.getSimulationStatus)
		}

		// ==================== RUN JOURNAL ====================
		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:id", s.getRun)
		}

		// ==================== POINTS ====================
		points := v1.Group("/points")
		{
			points.GET("", s.listPoints)
			points.GET("/*topic", s.getPoint)
			points.PUT("/*topic", s.setPoint)
		}

		revert := v1.Group("/revert")
		{
			revert.POST("/point", s.revertPoint)
			revert.POST("/device", s.revertDevice)
		}

		// ==================== SCHEDULES ====================
		schedule := v1.Group("/schedule")
		{
			schedule.POST("", s.requestNewSchedule)
			schedule.DELETE("/:task_id", s.requestCancelSchedule)
		}

		// ==================== WEBSOCKET ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
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
	status := s.lm.SimulationStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"simulation": status.State,
		"timestamp":  time.Now().Unix(),
	})
}
