package approuters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"Tradechat/internal/configuration"
	"Tradechat/internal/monitor"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StartMonitor serves the diagnostics API until ctx is cancelled, then
// shuts the server down gracefully.
func StartMonitor(ctx context.Context, container *configuration.Container) error {
	logger := container.Logger.Named("monitor")
	appServer := createAppServer(container)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("diagnostics server starting", zap.String("addr", appServer.Addr))
		if err := appServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("monitor server error: %w", err)
		}
		close(serverErrors)
	}()

	select {
	case err, ok := <-serverErrors:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down diagnostics server")
	if err := appServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor server shutdown: %w", err)
	}
	return nil
}

func createAppServer(container *configuration.Container) *http.Server {
	router := NewRouter(container.Monitor, container.Config.Monitor.AllowOrigins)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", container.Config.Monitor.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// DefaultAllowOrigins is used when no origin is configured.
var DefaultAllowOrigins = []string{"http://localhost:4200"}

// NewRouter builds the diagnostics router with its CORS policy.
func NewRouter(monitorService *monitor.MonitorService, allowOrigins []string) *gin.Engine {
	if len(allowOrigins) == 0 {
		allowOrigins = DefaultAllowOrigins
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Tradechat diagnostics",
		})
	})

	MonitorRouters(router, monitorService)

	return router
}
