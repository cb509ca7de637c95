// Package connection owns the physical link to exactly one InkFrame
// accessory at a time: discovery, connect-with-retry, MTU negotiation,
// disconnect detection, and signal-quality polling.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"inkframe/internal/ble"
	"inkframe/internal/bus"
	"inkframe/internal/link"
	"inkframe/internal/tracker"
)

// Errors surfaced by the manager. Radio/permission failures are fatal to
// the caller; scan and connect failures are retryable at the caller's
// discretion.
var (
	ErrRadioUnavailable  = errors.New("bluetooth radio unavailable")
	ErrNoDevicesFound    = errors.New("no devices found")
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrNotInitialized    = errors.New("manager not initialized")
)

// Options configures manager behavior.
type Options struct {
	NamePrefix       string        // advertised-name filter for discovery
	InitTimeout      time.Duration // bounded wait for the radio to power on
	ScanTimeout      time.Duration // discovery window length
	StopAtFirstMatch bool          // end the scan at the first qualifying device
	ConnectTimeout   time.Duration // per-attempt connect bound
	MaxRetries       int           // connection attempts before giving up
	RetryBaseDelay   time.Duration // backoff unit: delay = attempt * base
	RSSIPollInterval time.Duration
	DesiredMTU       uint16
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		NamePrefix:       ble.NamePrefix,
		InitTimeout:      10 * time.Second,
		ScanTimeout:      10 * time.Second,
		ConnectTimeout:   10 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   1 * time.Second,
		RSSIPollInterval: 5 * time.Second,
		DesiredMTU:       512,
	}
}

// State is a snapshot of the connection lifecycle. Connected and
// Connecting are never both true.
type State struct {
	Connected          bool
	Connecting         bool
	Err                string
	ConnectionAttempts int
	LastConnectedAt    time.Time
}

// Metrics describes the active link. Replaced on reconnect, cleared on
// disconnect.
type Metrics struct {
	RSSI      int
	MTU       int
	Quality   SignalQuality
	Stability SignalStability
}

// session holds per-connection resources so teardown is idempotent and
// cannot leak pollers across reconnects.
type session struct {
	conn     ble.Connection
	address  string
	cmdChar  ble.Characteristic
	fileChar ble.Characteristic
	link     *link.BLELink

	done     chan struct{}
	downOnce sync.Once
}

// Manager owns the link to one accessory. Construct with New, tear down
// with Disconnect; instances are not reusable across Close of their
// tracker.
type Manager struct {
	adapter ble.Adapter
	events  bus.MessageBus
	tracker *tracker.Tracker
	logger  *slog.Logger
	opts    Options

	mu          sync.Mutex
	initialized bool
	state       State
	metrics     *Metrics
	sess        *session
}

func New(adapter ble.Adapter, events bus.MessageBus, tr *tracker.Tracker, logger *slog.Logger, opts Options) *Manager {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 1 * time.Second
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 10 * time.Second
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RSSIPollInterval <= 0 {
		opts.RSSIPollInterval = 5 * time.Second
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = ble.NamePrefix
	}

	m := &Manager{
		adapter: adapter,
		events:  events,
		tracker: tr,
		logger:  logger,
		opts:    opts,
	}
	tr.SetLinkStats(m.linkStats)
	return m
}

// Initialize powers on the radio, polling until it is usable or
// InitTimeout elapses. Idempotent: a second call while initialized is a
// no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	opID := m.tracker.Track("initialize", nil)

	deadline := time.Now().Add(m.opts.InitTimeout)
	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			m.tracker.Complete(opID, err)
			return err
		}
		lastErr = m.adapter.Enable()
		if lastErr == nil {
			break
		}
		if time.Now().After(deadline) {
			err := fmt.Errorf("%w: radio did not power on within %s: %v", ErrRadioUnavailable, m.opts.InitTimeout, lastErr)
			m.tracker.Complete(opID, err)
			m.publishError("radio_unavailable", err)
			return err
		}
		m.logger.Debug("radio not ready, retrying", "error", lastErr)
		select {
		case <-ctx.Done():
			m.tracker.Complete(opID, ctx.Err())
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	m.tracker.Complete(opID, nil)
	m.logger.Info("radio initialized")
	return nil
}

// Scan opens a discovery window and returns qualifying accessories,
// deduplicated by address. An empty window is a typed ErrNoDevicesFound;
// the caller may simply rescan.
func (m *Manager) Scan(ctx context.Context) ([]ble.Device, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return nil, ErrNotInitialized
	}
	m.mu.Unlock()

	opID := m.tracker.Track("scan", nil)

	scanCtx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	defer cancel()

	var mu sync.Mutex
	var devices []ble.Device
	err := m.adapter.Scan(scanCtx, ble.ServiceUUID, func(d ble.Device) {
		if !strings.HasPrefix(d.Name, m.opts.NamePrefix) {
			return
		}
		mu.Lock()
		devices = append(devices, d)
		mu.Unlock()
		m.logger.Info("accessory discovered", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
		m.events.Publish(bus.TopicDeviceFound, bus.DeviceFound{Name: d.Name, Address: d.Address, RSSI: d.RSSI})
		if m.opts.StopAtFirstMatch {
			cancel()
		}
	})
	if err != nil {
		err = fmt.Errorf("scan: %w", err)
		m.tracker.Complete(opID, err)
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if len(devices) == 0 {
		m.tracker.Complete(opID, ErrNoDevicesFound)
		return nil, fmt.Errorf("%w after %s window", ErrNoDevicesFound, m.opts.ScanTimeout)
	}
	m.tracker.Complete(opID, nil)
	return devices, nil
}

// Connect establishes the link to the given accessory, retrying up to
// MaxRetries with delay = attempt * RetryBaseDelay between attempts.
// Rejects re-entrant calls while already connecting or connected.
func (m *Manager) Connect(ctx context.Context, address string) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.state.Connecting {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	if m.state.Connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.state.Connecting = true
	m.state.Err = ""
	m.mu.Unlock()
	m.publishStatus(bus.ConnStateConnecting, address, "")

	opID := m.tracker.Track("connect", map[string]string{"address": address})

	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		m.mu.Lock()
		m.state.ConnectionAttempts++
		m.mu.Unlock()

		lastErr = m.connectOnce(ctx, address)
		if lastErr == nil {
			m.tracker.Complete(opID, nil)
			m.publishStatus(bus.ConnStateConnected, address, "")
			return nil
		}
		if ctx.Err() != nil {
			break
		}

		m.logger.Warn("connect attempt failed", "attempt", attempt, "max", m.opts.MaxRetries, "error", lastErr)
		if attempt < m.opts.MaxRetries {
			delay := time.Duration(attempt) * m.opts.RetryBaseDelay
			m.logger.Info("retrying connect", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(delay):
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	err := fmt.Errorf("connect to %s failed after %d attempts: %w", address, m.opts.MaxRetries, lastErr)
	m.mu.Lock()
	m.state.Connecting = false
	m.state.Err = err.Error()
	m.mu.Unlock()
	m.tracker.Complete(opID, err)
	m.publishStatus(bus.ConnStateDisconnected, address, err.Error())
	m.publishError("connection_failed", err)
	return err
}

// connectOnce performs a single attempt: connect, discover the two
// characteristics, negotiate MTU, wire disconnect detection, start the
// RSSI poller.
func (m *Manager) connectOnce(ctx context.Context, address string) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.adapter.Connect(attemptCtx, address)
	if err != nil {
		return err
	}

	cmdChar, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.CommandCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("discover command characteristic: %w", err)
	}
	fileChar, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.FileDataCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("discover file characteristic: %w", err)
	}

	// MTU negotiation is best effort; a failure falls back to the BLE
	// minimum and shrinks the transfer chunk size accordingly.
	mtu, err := conn.RequestMTU(m.opts.DesiredMTU)
	if err != nil {
		m.logger.Warn("MTU negotiation failed, using default", "default", ble.DefaultMTU, "error", err)
		mtu = ble.DefaultMTU
	}

	lnk, err := link.NewBLE(cmdChar, fileChar, m.logger)
	if err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("subscribe to responses: %w", err)
	}

	sess := &session{
		conn:     conn,
		address:  address,
		cmdChar:  cmdChar,
		fileChar: fileChar,
		link:     lnk,
		done:     make(chan struct{}),
	}

	rssi, rssiErr := conn.ReadRSSI()
	if rssiErr != nil {
		m.logger.Debug("initial RSSI unavailable", "error", rssiErr)
	}

	m.mu.Lock()
	m.sess = sess
	m.state.Connected = true
	m.state.Connecting = false
	m.state.Err = ""
	m.state.LastConnectedAt = time.Now()
	m.metrics = &Metrics{
		RSSI:      rssi,
		MTU:       int(mtu),
		Quality:   DetermineSignalQuality(rssi),
		Stability: SignalStable,
	}
	m.mu.Unlock()

	conn.OnDisconnect(func() {
		m.handleUnexpectedDisconnect(sess)
	})

	go m.pollRSSI(sess)

	m.logger.Info("connected", "address", address, "mtu", mtu, "rssi", rssi)
	return nil
}

// Disconnect tears the link down explicitly. Always leaves the manager
// disconnected, whatever the prior state.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		m.mu.Lock()
		m.state.Connected = false
		m.state.Connecting = false
		m.mu.Unlock()
		return nil
	}

	m.teardown(sess, "")
	if err := sess.conn.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// handleUnexpectedDisconnect reacts to the stack's disconnect
// notification: state is cleared exactly once and the event is reported,
// but no automatic reconnect happens here. Reconnection is the caller's
// decision.
func (m *Manager) handleUnexpectedDisconnect(sess *session) {
	m.logger.Warn("unexpected disconnect", "address", sess.address)
	m.teardown(sess, "connection lost")
	m.publishError("unexpected_disconnect", fmt.Errorf("link to %s dropped", sess.address))
}

// teardown clears connection state idempotently: once per session,
// regardless of how many paths race into it.
func (m *Manager) teardown(sess *session, reason string) {
	sess.downOnce.Do(func() {
		close(sess.done)
		_ = sess.link.Close()

		m.mu.Lock()
		if m.sess == sess {
			m.sess = nil
		}
		m.state.Connected = false
		m.state.Connecting = false
		if reason != "" {
			m.state.Err = reason
		}
		m.metrics = nil
		m.mu.Unlock()

		m.publishStatus(bus.ConnStateDisconnected, sess.address, reason)
	})
}

// pollRSSI samples signal strength on a fixed interval while the session
// lives, classifying quality and stability and flagging degradation.
func (m *Manager) pollRSSI(sess *session) {
	ticker := time.NewTicker(m.opts.RSSIPollInterval)
	defer ticker.Stop()

	var prev int
	havePrev := false

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
		}

		rssi, err := sess.conn.ReadRSSI()
		if err != nil {
			m.logger.Debug("RSSI read failed", "error", err)
			continue
		}

		quality := DetermineSignalQuality(rssi)
		stability := SignalStable
		delta := 0
		if havePrev {
			delta = rssi - prev
			if delta < 0 {
				delta = -delta
			}
			stability = DetermineSignalStability(delta)
		}
		prev = rssi
		havePrev = true

		m.mu.Lock()
		if m.metrics != nil {
			m.metrics.RSSI = rssi
			m.metrics.Quality = quality
			m.metrics.Stability = stability
		}
		m.mu.Unlock()

		if delta > DeltaModerate || quality == SignalPoor {
			m.logger.Warn("signal degraded", "rssi", rssi, "delta", delta, "quality", quality.String())
			m.events.Publish(bus.TopicSignalDegraded, bus.SignalDegraded{RSSI: rssi, Delta: delta, Quality: quality.String()})
		}
	}
}

// State returns a snapshot copy of the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Metrics returns a snapshot copy of the link metrics. ok is false when
// no link is up.
func (m *Manager) Metrics() (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		return Metrics{}, false
	}
	return *m.metrics, true
}

// IsDeviceConnected reports whether the given accessory is the one
// currently connected. Pure read, no state change.
func (m *Manager) IsDeviceConnected(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Connected && m.sess != nil && m.sess.address == address
}

// Link returns the carrier for the active session, for the protocol
// layer to ride on.
func (m *Manager) Link() (link.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil, ErrNotConnected
	}
	return m.sess.link, nil
}

// MTU returns the negotiated ATT MTU of the active link, or the BLE
// default when disconnected.
func (m *Manager) MTU() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		return ble.DefaultMTU
	}
	return m.metrics.MTU
}

// linkStats feeds the tracker's diagnostics snapshots.
func (m *Manager) linkStats() (rssi, mtu, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics != nil {
		rssi = m.metrics.RSSI
		mtu = m.metrics.MTU
	}
	return rssi, mtu, m.state.ConnectionAttempts
}

func (m *Manager) publishStatus(state bus.ConnState, address, errMsg string) {
	m.mu.Lock()
	attempts := m.state.ConnectionAttempts
	m.mu.Unlock()
	m.events.Publish(bus.TopicConnStatus, bus.ConnStatus{
		State:     state,
		Address:   address,
		Err:       errMsg,
		Attempts:  attempts,
		Timestamp: time.Now(),
	})
}

func (m *Manager) publishError(kind string, err error) {
	m.events.Publish(bus.TopicError, bus.ErrorEvent{
		Kind:    kind,
		Message: err.Error(),
		Time:    time.Now(),
	})
}
