package handler

import (
	"net/http"

	"Tradechat/internal/monitor"

	"github.com/gin-gonic/gin"
)

// MonitorHandler handles monitoring API endpoints
type MonitorHandler interface {
	GetStats(c *gin.Context)
}

type monitorHandler struct {
	monitorService *monitor.MonitorService
}

// NewMonitorHandler creates a new monitor handler
func NewMonitorHandler(monitorService *monitor.MonitorService) MonitorHandler {
	return &monitorHandler{
		monitorService: monitorService,
	}
}

// GetStats returns current client statistics
// @Summary Get messaging core statistics
// @Description Returns the live connection state, open conversations, pending sends and presence
// @Tags Monitor
// @Produce json
// @Success 200 {object} model.MonitorResponse
// @Router /tc/api/monitor/stats [get]
func (h *monitorHandler) GetStats(c *gin.Context) {
	stats := h.monitorService.GetStats()

	c.JSON(http.StatusOK, gin.H{
		"HttpStatusCode": http.StatusOK,
		"ResponseBody":   stats,
		"IsSuccess":      true,
		"Message":        "Client statistics retrieved successfully",
	})
}
