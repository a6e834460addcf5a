package device

// Info selects the backend image (GroupID) and carries a display label.
type Info struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
}

type State string

const (
	StateCreating State = "CREATING"
	StateReady    State = "READY"
	StateBroken   State = "BROKEN"
)

// IsPreparing reports whether there is nothing to verify yet.
func (s State) IsPreparing() bool {
	return s == StateCreating
}

func (s State) Valid() bool {
	switch s {
	case StateCreating, StateReady, StateBroken:
		return true
	}
	return false
}

type ConnectionInfo struct {
	IP          string `json:"ip"`
	AdbPort     int    `json:"adb_port"`
	GRPCPort    int    `json:"grpc_port"`
	DockerImage string `json:"docker_image"`
}

// Device is one provisioned unit. Handle belongs to the backend that created
// the device and must not be inspected by anyone else.
type Device struct {
	ID                string          `json:"id"`
	Info              Info            `json:"device_info"`
	State             State           `json:"state"`
	StateTimestampSec int64           `json:"state_timestamp_sec"`
	Connection        *ConnectionInfo `json:"connection_info,omitempty"`
	Handle            any             `json:"-"`
}

// Placeholder returns a freshly registered device awaiting provisioning.
func Placeholder(id string, info Info, nowSec int64) Device {
	return Device{
		ID:                id,
		Info:              info,
		State:             StateCreating,
		StateTimestampSec: nowSec,
	}
}
