package handlers

import (
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/db"
	"github.com/vastrel/credpool/internal/pool"
)

type Handler struct {
	pool   *pool.Pool
	repo   *db.Repository
	logger *zap.Logger
}

func NewHandler(p *pool.Pool, repo *db.Repository, logger *zap.Logger) *Handler {
	return &Handler{
		pool:   p,
		repo:   repo,
		logger: logger,
	}
}
