package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kinloop/quota-engine/internal/config"
	"github.com/kinloop/quota-engine/internal/handler"
	"github.com/kinloop/quota-engine/internal/middleware"
	"github.com/kinloop/quota-engine/internal/quota"
	"github.com/kinloop/quota-engine/internal/scheduler"
	"github.com/kinloop/quota-engine/internal/storage"
	"github.com/kinloop/quota-engine/internal/telemetry"
)

type Server struct {
	router           *gin.Engine
	config           *config.Config
	postgres         *storage.Postgres
	redis            *storage.RedisClient
	checker          *quota.Checker
	checkHandler     *handler.CheckHandler
	claimHandler     *handler.ClaimHandler
	telemetryHandler *handler.TelemetryHandler
	httpServer       *http.Server
}

func New(cfg *config.Config, postgres *storage.Postgres, redis *storage.RedisClient, checker *quota.Checker, sink *telemetry.Sink, dedup *scheduler.Deduplicator) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	s := &Server{
		router:           router,
		config:           cfg,
		postgres:         postgres,
		redis:            redis,
		checker:          checker,
		checkHandler:     handler.NewCheckHandler(checker),
		claimHandler:     handler.NewClaimHandler(dedup),
		telemetryHandler: handler.NewTelemetryHandler(sink),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.Identity(s.config.Auth.JWTSecret))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/check", s.checkHandler.Check)
		v1.POST("/claim", s.claimHandler.Claim)
	}

	// Telemetry queries are bulk reads and pass through the engine themselves
	admin := s.router.Group("/admin", middleware.QuotaGuard(s.checker, "bulk-read"))
	{
		admin.GET("/telemetry/summary", s.telemetryHandler.GetSummary)
		admin.GET("/telemetry/live", s.telemetryHandler.GetLiveCount)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	dbHealthy := true
	if err := s.postgres.Ping(c.Request.Context()); err != nil {
		dbHealthy = false
		log.Printf("Database health check failed: %v", err)
	}

	redisHealthy := true
	if s.redis != nil {
		if err := s.redis.Ping(c.Request.Context()); err != nil {
			redisHealthy = false
			log.Printf("Redis health check failed: %v", err)
		}
	}

	status := "healthy"
	statusCode := http.StatusOK

	// Redis only carries best-effort counters; a dead ledger store is the
	// real degradation.
	if !dbHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "quota-engine",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks": gin.H{
			"database": dbHealthy,
			"redis":    redisHealthy,
		},
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	log.Printf("Starting quota engine on %s", addr)
	log.Printf("Environment: %s", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
