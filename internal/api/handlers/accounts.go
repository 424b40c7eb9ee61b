package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/core"
	"github.com/vastrel/credpool/internal/pool"
)

type RegisterAccountRequest struct {
	Name              string  `json:"name" binding:"required,min=1,max=255"`
	Tier              string  `json:"tier" binding:"required,oneof=free pro scale enterprise"`
	Priority          int     `json:"priority"`
	CredentialRef     string  `json:"credential_ref" binding:"required"`
	ExternalUsageID   *string `json:"external_usage_id"`
	RequestsPerMin    *int64  `json:"requests_per_min"`
	TokensPerMin      *int64  `json:"tokens_per_min"`
	InputTokensPerMin *int64  `json:"input_tokens_per_min"`
}

func (h *Handler) RegisterAccount(c *gin.Context) {
	var req RegisterAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")

	account, err := h.pool.RegisterAccount(pool.Registration{
		TenantID:          tenantID,
		Name:              req.Name,
		Tier:              core.Tier(req.Tier),
		Priority:          req.Priority,
		CredentialRef:     req.CredentialRef,
		ExternalUsageID:   req.ExternalUsageID,
		RequestsPerMin:    req.RequestsPerMin,
		TokensPerMin:      req.TokensPerMin,
		InputTokensPerMin: req.InputTokensPerMin,
		CreatedBy:         tenantID,
	})
	if err != nil {
		if errors.Is(err, pool.ErrConfiguration) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to register account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusCreated, account)
}

func (h *Handler) ListAccounts(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	accounts, err := h.repo.GetAccountsByTenant(tenantID)
	if err != nil {
		h.logger.Error("Failed to list accounts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

func (h *Handler) DeregisterAccount(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	accountID := c.Param("id")

	// Scope check before the soft delete
	if _, err := h.repo.GetAccount(accountID, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	if err := h.pool.DeregisterAccount(accountID); err != nil {
		h.logger.Error("Failed to deregister account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (h *Handler) ListAccountHealth(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	snapshots, err := h.pool.GetAllHealth(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("Failed to collect health snapshots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"accounts": snapshots})
}

func (h *Handler) GetAccountHealth(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	accountID := c.Param("id")

	if _, err := h.repo.GetAccount(accountID, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	snapshot, err := h.pool.GetHealth(c.Request.Context(), accountID)
	if err != nil {
		h.logger.Error("Failed to collect health snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) ResetCircuit(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	accountID := c.Param("id")

	if _, err := h.repo.GetAccount(accountID, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	h.pool.ResetCircuit(accountID)

	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}
