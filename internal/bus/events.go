package bus

import "time"

// ConnState describes the connection lifecycle state.
type ConnState string

const (
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
)

// ConnStatus is a bus event snapshot of current connection status.
type ConnStatus struct {
	State     ConnState
	Address   string
	Err       string
	Attempts  int
	Timestamp time.Time
}

// DeviceFound is published once per deduplicated device during a scan.
type DeviceFound struct {
	Name    string
	Address string
	RSSI    int
}

// SignalDegraded reports a quality drop on the active link. Informational,
// the connection is kept.
type SignalDegraded struct {
	RSSI    int
	Delta   int
	Quality string
}

// TransferProgress is published once per acknowledged chunk.
type TransferProgress struct {
	Filename         string
	BytesTransferred int
	TotalBytes       int
	SpeedBps         float64
}

// ErrorEvent carries a failure the UI layer may act on. Kind is stable
// and machine-matchable; Message is human-readable.
type ErrorEvent struct {
	Kind    string
	Message string
	Time    time.Time
}
