package eventbus

import "time"

type EventType string

const (
	EventDeviceCreated   EventType = "device.created"
	EventDeviceReady     EventType = "device.ready"
	EventDeviceBroken    EventType = "device.broken"
	EventDeviceAcquired  EventType = "device.acquired"
	EventDeviceReleased  EventType = "device.released"
	EventDeviceBlocked   EventType = "device.blocked"
	EventDeviceUnblocked EventType = "device.unblocked"
	EventDeviceRemoved   EventType = "device.removed"
)

type Event struct {
	Type      EventType `json:"type"`
	DeviceID  string    `json:"device_id"`
	GroupID   string    `json:"group_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func GroupChannelKey(groupID string) string {
	return "farm:group:" + groupID + ":events"
}
