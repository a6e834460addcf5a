package api

import (
	"log/slog"
	"net/http"
	"time"

	"devicefarm/internal/config"
	"devicefarm/internal/eventbus"
	"devicefarm/internal/pool"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the farm API. Event streams end once closing is closed.
func NewRouter(registry pool.IRegistry, store *config.Store, bus eventbus.EventBus, closing <-chan struct{}, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	logger = logger.With("component", "api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	deviceHandler := NewDeviceHandler(registry, store)
	configHandler := NewConfigHandler(store)
	eventHandler := NewEventHandler(bus, closing, logger)

	v1 := r.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", deviceHandler.ListDevices)
			devices.GET("/count", deviceHandler.CountDevices)
			devices.POST("", deviceHandler.CreateDevices)
			devices.POST("/acquire", deviceHandler.AcquireDevices)
			devices.POST("/release", deviceHandler.ReleaseDevices)

			devices.GET("/:id", deviceHandler.GetDevice)
			devices.DELETE("/:id", deviceHandler.RemoveDevice)
			devices.GET("/:id/alive", deviceHandler.CheckAlive)

			// Administrative override
			devices.POST("/:id/block", deviceHandler.BlockDevice)
			devices.POST("/:id/unblock", deviceHandler.UnblockDevice)
		}

		groups := v1.Group("/groups/:group_id")
		{
			groups.POST("/release", deviceHandler.ReleaseGroup)
			groups.DELETE("/devices", deviceHandler.RemoveGroup)
			groups.GET("/events", eventHandler.StreamEvents)
		}

		v1.GET("/config", configHandler.GetConfig)
		v1.PUT("/config", configHandler.ReplaceConfig)
	}

	return r
}
