package domain

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// PresenceStatus is the counterpart availability seen from the waiting room.
type PresenceStatus string

const (
	PresenceOffline   PresenceStatus = "offline"
	PresenceBusy      PresenceStatus = "busy"
	PresenceAvailable PresenceStatus = "available"
)

func ParsePresence(s string) PresenceStatus {
	switch PresenceStatus(s) {
	case PresenceBusy, PresenceAvailable:
		return PresenceStatus(s)
	}
	return PresenceOffline
}

// GateState is the waiting room gate FSM state.
type GateState string

const (
	GateCheckingDevices GateState = "checking_devices"
	GateDevicesReady    GateState = "devices_ready"
	GateDevicesError    GateState = "devices_error"
	GateJoined          GateState = "joined"
	GateLeft            GateState = "left"
)
