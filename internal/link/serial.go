package link

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	serialReadBufferSize     = 256
)

// SerialLink carries the command grammar over the accessory's USB serial
// console. Used against development boards where no BLE radio is in
// range; command and file-data payloads share the single stream.
type SerialLink struct {
	portName string
	baudRate int
	logger   *slog.Logger

	writeMu sync.Mutex
	port    serial.Port

	fragments chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// OpenSerial opens the port and starts the reader.
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*SerialLink, error) {
	if portName == "" {
		return nil, errors.New("serial port is empty")
	}
	if baudRate <= 0 {
		return nil, fmt.Errorf("invalid serial baud rate: %d", baudRate)
	}

	port, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}

	l := &SerialLink{
		portName:  portName,
		baudRate:  baudRate,
		logger:    logger,
		port:      port,
		fragments: make(chan []byte, defaultFragmentQueueSize),
		closed:    make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *SerialLink) SendCommand(data []byte) error {
	return l.write(data)
}

func (l *SerialLink) SendData(data []byte) error {
	return l.write(data)
}

func (l *SerialLink) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	select {
	case <-l.closed:
		return errors.New("serial link is closed")
	default:
	}

	n, err := l.port.Write(data)
	if err != nil {
		return fmt.Errorf("write to %s: %w", l.portName, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write to %s: wrote %d of %d", l.portName, n, len(data))
	}
	return nil
}

func (l *SerialLink) Notifications() <-chan []byte {
	return l.fragments
}

func (l *SerialLink) Done() <-chan struct{} {
	return l.closed
}

func (l *SerialLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.port.Close()
	})
	return err
}

func (l *SerialLink) readLoop() {
	buf := make([]byte, serialReadBufferSize)
	for {
		select {
		case <-l.closed:
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			select {
			case <-l.closed:
			default:
				l.logger.Warn("serial read failed", "port", l.portName, "error", err)
				_ = l.Close()
			}
			return
		}
		if n == 0 {
			// Read timeout elapsed without data.
			continue
		}

		fragment := append([]byte(nil), buf[:n]...)
		select {
		case l.fragments <- fragment:
		case <-l.closed:
			return
		default:
			l.logger.Warn("fragment queue full, dropping oldest", "capacity", cap(l.fragments))
			select {
			case <-l.fragments:
			default:
			}
			select {
			case l.fragments <- fragment:
			default:
			}
		}
	}
}

var _ Link = (*SerialLink)(nil)
