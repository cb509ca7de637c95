// Package link abstracts the byte carrier under the transfer protocol.
// The accessory speaks the same command grammar over BLE and over its
// USB serial console; both are exposed through the Link interface so the
// protocol layer does not care which one it rides on.
package link

// Link is a bidirectional, fragment-oriented carrier. Inbound data
// arrives as fragments on Notifications; a fragment is not a message
// boundary.
type Link interface {
	// SendCommand writes a command/control payload.
	SendCommand(data []byte) error
	// SendData writes a file-data payload.
	SendData(data []byte) error
	// Notifications returns the inbound fragment stream. The channel is
	// never closed; readers should also watch Done.
	Notifications() <-chan []byte
	// Done is closed when the carrier is torn down.
	Done() <-chan struct{}
	// Close tears the carrier down. Idempotent.
	Close() error
}
