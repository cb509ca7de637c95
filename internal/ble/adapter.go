// Package ble provides the BLE client for communicating with an InkFrame
// e-paper display accessory. It handles adapter access, device discovery,
// and characteristic I/O over Bluetooth Low Energy.
package ble

import "context"

// InkFrame BLE UUIDs. These are fixed in the accessory firmware and are
// not discovered at runtime.
const (
	ServiceUUID      = "4f1d0000-9c2a-4b8e-bb4d-3f7a2e9c5d01"
	CommandCharUUID  = "4f1d0001-9c2a-4b8e-bb4d-3f7a2e9c5d01"
	FileDataCharUUID = "4f1d0002-9c2a-4b8e-bb4d-3f7a2e9c5d01"
)

// NamePrefix is the advertised-name prefix of InkFrame accessories.
const NamePrefix = "InkFrame"

// DefaultMTU is the ATT MTU assumed when negotiation fails. 23 is the
// BLE spec minimum.
const DefaultMTU = 23

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU negotiates the ATT MTU. Best effort: implementations
	// return the effective MTU, falling back to DefaultMTU on failure.
	RequestMTU(desired uint16) (uint16, error)
	// ReadRSSI reports the current signal strength of the link in dBm.
	ReadRSSI() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID,
	// invoking onFound once per deduplicated device until ctx is
	// cancelled or times out.
	Scan(ctx context.Context, serviceUUID string, onFound func(Device)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
