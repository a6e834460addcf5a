package api

import (
	"time"

	"devicefarm/internal/device"
	"devicefarm/internal/pool"
)

type CreateDevicesRequest struct {
	Amount  int    `json:"amount" binding:"required,min=1"`
	GroupID string `json:"group_id" binding:"required"`
	Name    string `json:"name"`
}

type AcquireRequest struct {
	Amount    int    `json:"amount" binding:"required,min=1"`
	GroupID   string `json:"group_id" binding:"required"`
	UserAgent string `json:"user_agent"`
}

type ReleaseRequest struct {
	IDs []string `json:"ids" binding:"required,min=1"`
}

type BlockRequest struct {
	Description string `json:"description"`
}

type DeviceResponse struct {
	ID              string                 `json:"id"`
	GroupID         string                 `json:"group_id"`
	Name            string                 `json:"name"`
	State           string                 `json:"state"`
	StateChangedAt  string                 `json:"state_changed_at,omitempty"`
	Status          string                 `json:"status"`
	StatusChangedAt string                 `json:"status_changed_at,omitempty"`
	UserAgent       string                 `json:"user_agent,omitempty"`
	Description     string                 `json:"description,omitempty"`
	Connection      *device.ConnectionInfo `json:"connection_info,omitempty"`
}

type DeviceListResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Count   int              `json:"count"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type RemovedResponse struct {
	Removed []string `json:"removed"`
}

type AliveResponse struct {
	ID    string `json:"id"`
	Alive bool   `json:"alive"`
	State string `json:"state"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	GroupID   string `json:"group_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func toDeviceResponse(pd pool.PoolDevice) DeviceResponse {
	return DeviceResponse{
		ID:              pd.ID(),
		GroupID:         pd.GroupID(),
		Name:            pd.Device.Info.Name,
		State:           string(pd.Device.State),
		StateChangedAt:  formatUnix(pd.Device.StateTimestampSec),
		Status:          string(pd.Status),
		StatusChangedAt: formatUnix(pd.StatusTimestampSec),
		UserAgent:       pd.UserAgent,
		Description:     pd.Description,
		Connection:      pd.Device.Connection,
	}
}

func toDeviceResponses(pds []pool.PoolDevice) []DeviceResponse {
	out := make([]DeviceResponse, 0, len(pds))
	for _, pd := range pds {
		out = append(out, toDeviceResponse(pd))
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return ""
	}
	return formatTime(time.Unix(sec, 0).UTC())
}
