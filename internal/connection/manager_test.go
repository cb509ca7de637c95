package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"inkframe/internal/ble"
	"inkframe/internal/bus"
	"inkframe/internal/tracker"
)

type mockCharacteristic struct {
	mu     sync.Mutex
	writes [][]byte
	notify func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *mockCharacteristic) Subscribe(callback func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = callback
	return nil
}

type mockConnection struct {
	mu           sync.Mutex
	rssi         int
	mtu          uint16
	mtuErr       error
	onDisconnect func()
	disconnected bool
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	return &mockCharacteristic{}, nil
}

func (c *mockConnection) RequestMTU(desired uint16) (uint16, error) {
	if c.mtuErr != nil {
		return 0, c.mtuErr
	}
	if c.mtu < desired {
		return c.mtu, nil
	}
	return desired, nil
}

func (c *mockConnection) ReadRSSI() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rssi, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = callback
}

// SimulateDisconnect fires the registered disconnect callback, as the
// BLE stack would on link loss.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.onDisconnect
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type mockAdapter struct {
	mu          sync.Mutex
	enableErr   error
	devices     []ble.Device
	failDials   int // fail this many Connect calls before succeeding
	mtuErr      error
	dials       int
	lastConn    *mockConnection
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(ctx context.Context, serviceUUID string, onFound func(ble.Device)) error {
	for _, d := range a.devices {
		if ctx.Err() != nil {
			return nil
		}
		onFound(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dials++
	if a.dials <= a.failDials {
		return nil, errors.New("peripheral unreachable")
	}
	a.lastConn = &mockConnection{rssi: -55, mtu: 247, mtuErr: a.mtuErr}
	return a.lastConn, nil
}

func (a *mockAdapter) dialCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func newTestManager(t *testing.T, adapter *mockAdapter, opts Options) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := tracker.New(logger, time.Hour)
	events := bus.New(logger)
	t.Cleanup(func() {
		tr.Close()
		events.Close()
	})
	return New(adapter, events, tr, logger, opts)
}

func fastOptions() Options {
	return Options{
		NamePrefix:       "InkFrame",
		InitTimeout:      time.Second,
		ScanTimeout:      100 * time.Millisecond,
		ConnectTimeout:   time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   time.Millisecond,
		RSSIPollInterval: time.Hour,
		DesiredMTU:       512,
	}
}

func TestInitialize(t *testing.T) {
	adapter := &mockAdapter{}
	m := newTestManager(t, adapter, fastOptions())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// Idempotent.
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
}

func TestInitializeRadioUnavailable(t *testing.T) {
	adapter := &mockAdapter{enableErr: errors.New("hci0 down")}
	opts := fastOptions()
	opts.InitTimeout = 10 * time.Millisecond
	m := newTestManager(t, adapter, opts)

	err := m.Initialize(context.Background())
	if !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("err = %v, want ErrRadioUnavailable", err)
	}
}

func TestScanRequiresInitialize(t *testing.T) {
	m := newTestManager(t, &mockAdapter{}, fastOptions())
	if _, err := m.Scan(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestScanFiltersByNamePrefix(t *testing.T) {
	adapter := &mockAdapter{devices: []ble.Device{
		{Name: "InkFrame-A1B2", Address: "AA:BB:CC:DD:EE:01", RSSI: -50},
		{Name: "FitnessTracker", Address: "AA:BB:CC:DD:EE:02", RSSI: -40},
		{Name: "InkFrame-C3D4", Address: "AA:BB:CC:DD:EE:03", RSSI: -72},
	}}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	devices, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	if devices[0].Address != "AA:BB:CC:DD:EE:01" || devices[1].Address != "AA:BB:CC:DD:EE:03" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestScanEmptyWindow(t *testing.T) {
	m := newTestManager(t, &mockAdapter{}, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := m.Scan(context.Background())
	if !errors.Is(err, ErrNoDevicesFound) {
		t.Fatalf("err = %v, want ErrNoDevicesFound", err)
	}
}

func TestScanStopsAtFirstMatch(t *testing.T) {
	adapter := &mockAdapter{devices: []ble.Device{
		{Name: "InkFrame-A1B2", Address: "AA:BB:CC:DD:EE:01", RSSI: -50},
		{Name: "InkFrame-C3D4", Address: "AA:BB:CC:DD:EE:03", RSSI: -72},
	}}
	opts := fastOptions()
	opts.StopAtFirstMatch = true
	m := newTestManager(t, adapter, opts)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	devices, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	adapter := &mockAdapter{failDials: 2}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := adapter.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	st := m.State()
	if !st.Connected || st.Connecting {
		t.Errorf("state = %+v, want connected", st)
	}
	if st.ConnectionAttempts != 3 {
		t.Errorf("attempts = %d, want 3", st.ConnectionAttempts)
	}

	metrics, ok := m.Metrics()
	if !ok {
		t.Fatal("expected metrics while connected")
	}
	if metrics.MTU != 247 {
		t.Errorf("MTU = %d, want 247", metrics.MTU)
	}
	if metrics.Quality != SignalExcellent {
		t.Errorf("quality = %s, want excellent", metrics.Quality)
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	adapter := &mockAdapter{failDials: 100}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01")
	if err == nil {
		t.Fatal("expected error when every attempt fails")
	}
	if got := adapter.dialCount(); got != 3 {
		t.Errorf("dials = %d, want exactly 3", got)
	}

	st := m.State()
	if st.Connected || st.Connecting {
		t.Errorf("state = %+v, want disconnected", st)
	}
	if st.Err == "" {
		t.Error("expected state error to be recorded")
	}
}

func TestConnectRejectsWhileConnected(t *testing.T) {
	adapter := &mockAdapter{}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatal(err)
	}

	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:02"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestConnectRequiresInitialize(t *testing.T) {
	m := newTestManager(t, &mockAdapter{}, fastOptions())
	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestMTUNegotiationFallback(t *testing.T) {
	adapter := &mockAdapter{mtuErr: errors.New("exchange not supported")}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatal(err)
	}
	if m.MTU() != ble.DefaultMTU {
		t.Errorf("MTU = %d, want fallback %d", m.MTU(), ble.DefaultMTU)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	adapter := &mockAdapter{}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatal(err)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if st := m.State(); st.Connected {
		t.Error("still connected after Disconnect")
	}
	if _, err := m.Link(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Link err = %v, want ErrNotConnected", err)
	}
	if _, ok := m.Metrics(); ok {
		t.Error("metrics still present after Disconnect")
	}
}

func TestUnexpectedDisconnectClearsState(t *testing.T) {
	adapter := &mockAdapter{}
	m := newTestManager(t, adapter, fastOptions())
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatal(err)
	}
	if !m.IsDeviceConnected("AA:BB:CC:DD:EE:01") {
		t.Fatal("expected device to be connected")
	}

	adapter.lastConn.SimulateDisconnect()

	st := m.State()
	if st.Connected {
		t.Error("still marked connected after link loss")
	}
	if st.Err == "" {
		t.Error("expected link-loss reason in state")
	}
	if m.IsDeviceConnected("AA:BB:CC:DD:EE:01") {
		t.Error("IsDeviceConnected true after link loss")
	}

	// A redundant explicit Disconnect after the event is harmless.
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect after link loss: %v", err)
	}
}

func TestLinkStatsFeedDiagnostics(t *testing.T) {
	adapter := &mockAdapter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := tracker.New(logger, time.Hour)
	events := bus.New(logger)
	t.Cleanup(func() {
		tr.Close()
		events.Close()
	})
	m := New(adapter, events, tr, logger, fastOptions())

	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
		t.Fatal(err)
	}

	snap := tr.Snapshot()
	if snap.RSSI != -55 {
		t.Errorf("diagnostics RSSI = %d, want -55", snap.RSSI)
	}
	if snap.MTU != 247 {
		t.Errorf("diagnostics MTU = %d, want 247", snap.MTU)
	}
	if snap.ConnectionAttempts != 1 {
		t.Errorf("diagnostics attempts = %d, want 1", snap.ConnectionAttempts)
	}
}
