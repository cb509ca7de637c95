package link

import (
	"log/slog"
	"sync"

	"inkframe/internal/ble"
)

const defaultFragmentQueueSize = 128

// BLELink rides an established BLE connection: commands and file data go
// to their respective characteristics, responses arrive as notifications
// on the command characteristic.
type BLELink struct {
	cmdChar  ble.Characteristic
	fileChar ble.Characteristic
	logger   *slog.Logger

	fragments chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewBLE subscribes to response notifications and returns a ready link.
func NewBLE(cmdChar, fileChar ble.Characteristic, logger *slog.Logger) (*BLELink, error) {
	l := &BLELink{
		cmdChar:   cmdChar,
		fileChar:  fileChar,
		logger:    logger,
		fragments: make(chan []byte, defaultFragmentQueueSize),
		closed:    make(chan struct{}),
	}
	if err := cmdChar.Subscribe(l.enqueue); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *BLELink) SendCommand(data []byte) error {
	return l.cmdChar.Write(data)
}

func (l *BLELink) SendData(data []byte) error {
	return l.fileChar.Write(data)
}

func (l *BLELink) Notifications() <-chan []byte {
	return l.fragments
}

func (l *BLELink) Done() <-chan struct{} {
	return l.closed
}

func (l *BLELink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return nil
}

// enqueue copies a notification into the fragment queue, dropping the
// oldest fragment when the queue is full.
func (l *BLELink) enqueue(data []byte) {
	select {
	case <-l.closed:
		return
	default:
	}

	fragment := append([]byte(nil), data...)
	select {
	case l.fragments <- fragment:
	default:
		l.logger.Warn("fragment queue full, dropping oldest", "capacity", cap(l.fragments), "dropped_len", len(fragment))
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

var _ Link = (*BLELink)(nil)
