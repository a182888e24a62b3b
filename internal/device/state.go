package device

// State is a peripheral's connection lifecycle state
type State int

const (
	// Unscanned peripherals were created by a direct connect, never seen in a scan
	Unscanned State = iota
	// Scanning peripherals were created or refreshed by a scan result
	Scanning
	Connecting
	Connected
	Disconnecting
	Disconnected
)

var stateNames = map[State]string{
	Unscanned:     "unscanned",
	Scanning:      "scanning",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
	Disconnected:  "disconnected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsLive reports whether the state holds (or is acquiring) a transport link
func (s State) IsLive() bool {
	return s == Connecting || s == Connected || s == Disconnecting
}

// AdmitsRequests reports whether requests may be enqueued in this state.
// Connecting admits them so callers can connect-then-act.
func (s State) AdmitsRequests() bool {
	return s == Connecting || s == Connected
}
