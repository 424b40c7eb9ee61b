package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/db"
)

func (h *Handler) ListAlerts(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	filters := db.AlertFilters{
		TenantID:      tenantID,
		AccountID:     c.Query("account_id"),
		Resolved:      c.Query("resolved"),
		ThresholdType: c.Query("threshold_type"),
		Limit:         limit,
		Offset:        offset,
	}

	alerts, err := h.repo.ListAlerts(filters)
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "total": len(alerts)})
}
