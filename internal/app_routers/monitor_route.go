package approuters

import (
	"Tradechat/internal/handler"
	"Tradechat/internal/monitor"

	"github.com/gin-gonic/gin"
)

// MonitorRouters sets up monitoring API routes
func MonitorRouters(router *gin.Engine, monitorService *monitor.MonitorService) {
	monitorHandler := handler.NewMonitorHandler(monitorService)

	// Monitor API group
	monitorGroup := router.Group("/tc/api/monitor")
	{
		// GET /tc/api/monitor/stats - Get client statistics
		monitorGroup.GET("/stats", monitorHandler.GetStats)
	}
}
