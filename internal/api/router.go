package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/api/handlers"
	"github.com/vastrel/credpool/internal/api/middleware"
	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/db"
	"github.com/vastrel/credpool/internal/pool"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, p *pool.Pool, repo *db.Repository, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	server.setupRoutes(p, repo, logger)
	return server
}

func (s *Server) setupRoutes(p *pool.Pool, repo *db.Repository, logger *zap.Logger) {
	h := handlers.NewHandler(p, repo, logger)

	// Infra endpoints, unauthenticated
	s.Router.GET("/healthz", h.Health)
	s.Router.GET("/readyz", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes (protected)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Server.JWTSecret))

	// Account routes
	{
		api.POST("/accounts", h.RegisterAccount)
		api.GET("/accounts", h.ListAccounts)
		api.DELETE("/accounts/:id", h.DeregisterAccount)
		api.GET("/accounts/health", h.ListAccountHealth)
		api.GET("/accounts/:id/health", h.GetAccountHealth)
		api.POST("/accounts/:id/circuit/reset", h.ResetCircuit)
	}

	// Alert routes
	{
		api.GET("/alerts", h.ListAlerts)
	}
}
