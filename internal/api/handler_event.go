package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"devicefarm/internal/eventbus"

	"github.com/gin-gonic/gin"
)

type EventHandler struct {
	bus     eventbus.EventBus
	closing <-chan struct{}
	logger  *slog.Logger
}

// NewEventHandler ends every open stream once closing is closed, so the HTTP
// server can drain without waiting for subscribers to hang up.
func NewEventHandler(bus eventbus.EventBus, closing <-chan struct{}, logger *slog.Logger) *EventHandler {
	return &EventHandler{bus: bus, closing: closing, logger: logger}
}

// StreamEvents relays lifecycle events of one device group as SSE.
func (h *EventHandler) StreamEvents(c *gin.Context) {
	groupID := c.Param("group_id")

	eventCh, err := h.bus.Subscribe(c.Request.Context(), groupID)
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	// 长连接不受 http.Server.WriteTimeout 限制
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				DeviceID:  event.DeviceID,
				GroupID:   event.GroupID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-h.closing:
			return false

		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}
