package connectors

import "time"

// ConnectionState describes the lifecycle state of a streaming connection.
type ConnectionState string

const (
	ConnectionStateDisconnected       ConnectionState = "disconnected"
	ConnectionStateConnecting         ConnectionState = "connecting"
	ConnectionStateConnected          ConnectionState = "connected"
	ConnectionStateReconnectScheduled ConnectionState = "reconnect_scheduled"
	// ConnectionStateFailed is terminal until an explicit reconnect.
	ConnectionStateFailed ConnectionState = "failed"
)

// Transport names used in ConnectionStatus.
const (
	TransportEventStream = "event_stream"
	TransportMessaging   = "messaging"
)

// ConnectionStatus is a bus event snapshot of current connector status.
type ConnectionStatus struct {
	State         ConnectionState
	Err           string
	TransportName string
	Target        string
	Attempt       int
	RetryIn       time.Duration
	Timestamp     time.Time
}

// NetworkStatus is published when the network-status provider flips.
type NetworkStatus struct {
	Online    bool
	Timestamp time.Time
}
