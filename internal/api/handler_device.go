package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"devicefarm/internal/config"
	"devicefarm/internal/device"
	"devicefarm/internal/pool"

	"github.com/gin-gonic/gin"
)

const aliveProbeTimeout = 30 * time.Second

type DeviceHandler struct {
	registry pool.IRegistry
	config   *config.Store
}

func NewDeviceHandler(registry pool.IRegistry, store *config.Store) *DeviceHandler {
	return &DeviceHandler{registry: registry, config: store}
}

// filterFromQuery builds a predicate from the optional group_id, state and
// status query parameters.
func filterFromQuery(c *gin.Context) (pool.Predicate, error) {
	var preds []pool.Predicate

	if group := c.Query("group_id"); group != "" {
		preds = append(preds, pool.InGroup(group))
	}
	if s := c.Query("state"); s != "" {
		state := device.State(s)
		if !state.Valid() {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidRequest, s)
		}
		preds = append(preds, pool.InState(state))
	}
	if s := c.Query("status"); s != "" {
		status := pool.Status(s)
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
		}
		preds = append(preds, pool.InStatus(status))
	}
	return pool.And(preds...), nil
}

func (h *DeviceHandler) ListDevices(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	var matched []pool.PoolDevice
	for _, pd := range h.registry.All() {
		if filter(pd) {
			matched = append(matched, pd)
		}
	}

	c.JSON(http.StatusOK, DeviceListResponse{
		Devices: toDeviceResponses(matched),
		Count:   len(matched),
	})
}

func (h *DeviceHandler) CountDevices(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, CountResponse{Count: h.registry.Count(filter)})
}

func (h *DeviceHandler) GetDevice(c *gin.Context) {
	pd, err := h.registry.Get(c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toDeviceResponse(pd))
}

// CreateDevices starts new devices within the farm capacity.
func (h *DeviceHandler) CreateDevices(c *gin.Context) {
	var req CreateDevicesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	name := req.Name
	if name == "" {
		name = "Manual " + req.GroupID
	}

	created, err := h.registry.Grow(req.Amount, device.Info{GroupID: req.GroupID, Name: name}, pool.StatusFree)
	if err != nil {
		h.respondCapacityError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, DeviceListResponse{
		Devices: toDeviceResponses(created),
		Count:   len(created),
	})
}

func (h *DeviceHandler) AcquireDevices(c *gin.Context) {
	var req AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = c.Request.UserAgent()
	}

	acquired, err := h.registry.Acquire(req.Amount, req.GroupID, userAgent)
	if err != nil {
		h.respondCapacityError(c, err)
		return
	}

	c.JSON(http.StatusOK, DeviceListResponse{
		Devices: toDeviceResponses(acquired),
		Count:   len(acquired),
	})
}

// respondCapacityError tells the client when the warm pool keeper will next
// try to add devices.
func (h *DeviceHandler) respondCapacityError(c *gin.Context, err error) {
	if errors.Is(err, pool.ErrNoCapacity) {
		retry := h.config.Get().Monitors.DeviceNeedToCreate()
		secs := max(1, int((retry+time.Second-1)/time.Second))
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	respondError(c, mapServiceError(err), err)
}

func (h *DeviceHandler) ReleaseDevices(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	h.registry.Release(req.IDs...)
	c.JSON(http.StatusOK, gin.H{"status": "released", "ids": req.IDs})
}

func (h *DeviceHandler) ReleaseGroup(c *gin.Context) {
	group := c.Param("group_id")
	h.registry.ReleaseAll(group)
	c.JSON(http.StatusOK, gin.H{"status": "released", "group_id": group})
}

func (h *DeviceHandler) RemoveDevice(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.registry.Get(id); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	// 后端清理在后台进行
	h.registry.Remove(id)
	c.JSON(http.StatusOK, RemovedResponse{Removed: []string{id}})
}

func (h *DeviceHandler) RemoveGroup(c *gin.Context) {
	removed := h.registry.RemoveAll(c.Param("group_id"))
	if removed == nil {
		removed = []string{}
	}
	c.JSON(http.StatusOK, RemovedResponse{Removed: removed})
}

func (h *DeviceHandler) BlockDevice(c *gin.Context) {
	var req BlockRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
	}

	id := c.Param("id")
	if err := h.registry.Block(id, req.Description); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	h.respondDevice(c, id)
}

func (h *DeviceHandler) UnblockDevice(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Unblock(id); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	h.respondDevice(c, id)
}

func (h *DeviceHandler) CheckAlive(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), aliveProbeTimeout)
	defer cancel()

	pd, err := h.registry.IsAlive(ctx, c.Param("id"))
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	c.JSON(http.StatusOK, AliveResponse{
		ID:    pd.ID(),
		Alive: pd.Device.State != device.StateBroken,
		State: string(pd.Device.State),
	})
}

func (h *DeviceHandler) respondDevice(c *gin.Context, id string) {
	pd, err := h.registry.Get(id)
	if err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}
	c.JSON(http.StatusOK, toDeviceResponse(pd))
}
