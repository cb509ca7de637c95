package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinygoAdapter wraps tinygo-org/bluetooth. On Linux device addresses are
// MAC addresses; on macOS they are CoreBluetooth UUIDs. The "Address"
// field in config and Device structs stores whichever string the
// platform uses.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections and lastRSSI maps.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by device address
	lastRSSI    map[string]int               // advertisement RSSI per address
}

// NewTinygoAdapter creates a BLE adapter backed by the platform default
// bluetooth stack.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
		lastRSSI:    make(map[string]int),
	}
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Adapter-level connect/disconnect handler. tinygo/bluetooth fires
	// this callback with connected=false when a peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

func (a *TinygoAdapter) Scan(ctx context.Context, serviceUUID string, onFound func(Device)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		if seen[addr] {
			mu.Unlock()
			return
		}
		seen[addr] = true
		mu.Unlock()
		a.mu.Lock()
		a.lastRSSI[addr] = int(result.RSSI)
		a.mu.Unlock()
		onFound(Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed.
		// We can't cancel it from here, but we return immediately.
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		a.mu.Lock()
		rssi := a.lastRSSI[address]
		a.mu.Unlock()
		conn := &tinygoConnection{device: &result.device, advRSSI: rssi}

		// Track this connection so the adapter-level disconnect handler
		// can find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device       *bluetooth.Device
	disconnectCb func()

	mu      sync.Mutex
	advRSSI int
	lastMTU uint16
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	char := &tinygoCharacteristic{char: &chars[0]}
	if mtu, err := chars[0].GetMTU(); err == nil && mtu > 0 {
		c.mu.Lock()
		c.lastMTU = mtu
		c.mu.Unlock()
	}
	return char, nil
}

// RequestMTU reports the ATT MTU of the link. tinygo/bluetooth does not
// expose client-initiated MTU exchange, so the value observed during
// characteristic discovery is used; DefaultMTU when none was observed.
func (c *tinygoConnection) RequestMTU(desired uint16) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastMTU == 0 {
		return DefaultMTU, fmt.Errorf("ble: MTU not reported by stack")
	}
	if desired > 0 && c.lastMTU > desired {
		return desired, nil
	}
	return c.lastMTU, nil
}

// ReadRSSI reports the advertisement RSSI captured during discovery.
// tinygo/bluetooth has no live RSSI read on an established link, so the
// value is refreshed only by scanning.
func (c *tinygoConnection) ReadRSSI() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advRSSI == 0 {
		return 0, fmt.Errorf("ble: no RSSI sample available")
	}
	return c.advRSSI, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
