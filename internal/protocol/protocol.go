// Package protocol speaks the InkFrame command grammar over an
// established link: file listing, chunked uploads, deletion, and storage
// queries. All operations against one link are serialized through a
// single FIFO queue; no two writes are ever in flight concurrently.
package protocol

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"inkframe/internal/bus"
	"inkframe/internal/link"
	"inkframe/internal/tracker"
)

// Command grammar. Commands are ASCII; binary chunk payloads are base64
// transport-encoded with a trailing newline so the receiver can
// reassemble fragmented writes.
const (
	cmdList   = "LIST"
	cmdDelete = "DELETE:"
	cmdSpace  = "SPACE"
	cmdStart  = "START:"
	cmdEnd    = "END"

	tokenReady   = "READY"
	tokenOK      = "OK"
	tokenDone    = "DONE"
	tokenEndList = "END_LIST"
	tokenError   = "ERROR"
)

var (
	// ErrProtocolTimeout is a per-stage timeout: fatal for the current
	// operation, not for the connection.
	ErrProtocolTimeout = errors.New("protocol timeout")
	// ErrCommandRejected is returned when the accessory answers with its
	// failure token.
	ErrCommandRejected = errors.New("command rejected by accessory")
	// ErrClosed is returned once the protocol has been shut down.
	ErrClosed = errors.New("protocol is closed")
	// ErrLinkClosed is returned when the carrier drops mid-operation.
	ErrLinkClosed = errors.New("link closed")
)

// Options bounds every suspend point of the protocol.
type Options struct {
	StartTimeout    time.Duration // waiting for READY
	ChunkAckTimeout time.Duration // waiting for per-chunk OK
	EndTimeout      time.Duration // waiting for DONE
	ListTimeout     time.Duration // waiting for END_LIST
	CommandTimeout  time.Duration // single command/response round trips
	ChunkSize       int           // raw bytes per chunk; 0 derives from MTU
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		StartTimeout:    5 * time.Second,
		ChunkAckTimeout: 3 * time.Second,
		EndTimeout:      5 * time.Second,
		ListTimeout:     10 * time.Second,
		CommandTimeout:  5 * time.Second,
	}
}

// Progress is reported once per acknowledged chunk.
type Progress struct {
	BytesTransferred int
	TotalBytes       int
	StartTime        time.Time
	SpeedBps         float64 // bytesTransferred / elapsed seconds
}

// Station is the caller-facing operation set. Satisfied by this BLE
// protocol and by the REST-over-WiFi client, so both carriers share one
// interface.
type Station interface {
	ListFiles(ctx context.Context) ([]FileInfo, error)
	TransferFile(ctx context.Context, filename string, data []byte, onProgress func(Progress)) error
	DeleteFile(ctx context.Context, filename string) error
	GetStorageSpace(ctx context.Context) (StorageSpace, error)
}

// Protocol drives the command grammar over one link.
type Protocol struct {
	link    link.Link
	tracker *tracker.Tracker
	events  bus.MessageBus
	logger  *slog.Logger
	opts    Options

	reasm Reassembler

	ops       chan opRequest
	done      chan struct{}
	closeOnce sync.Once
}

type opRequest struct {
	run    func() error
	result chan error
}

// New starts the operation queue worker for the given link. chunkSize,
// when opts.ChunkSize is zero, is derived from the negotiated MTU.
func New(lnk link.Link, mtu int, tr *tracker.Tracker, events bus.MessageBus, logger *slog.Logger, opts Options) *Protocol {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}
	if opts.ChunkAckTimeout <= 0 {
		opts.ChunkAckTimeout = 3 * time.Second
	}
	if opts.EndTimeout <= 0 {
		opts.EndTimeout = 5 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = ChunkSizeForMTU(mtu)
	}

	p := &Protocol{
		link:    lnk,
		tracker: tr,
		events:  events,
		logger:  logger,
		opts:    opts,
		ops:     make(chan opRequest),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// ChunkSizeForMTU returns the raw chunk size whose base64 encoding plus
// newline framing fits one ATT write on a link with the given MTU.
func ChunkSizeForMTU(mtu int) int {
	// 3 bytes ATT header, 1 byte newline frame delimiter; base64 expands
	// 3 raw bytes into 4 encoded bytes.
	usable := mtu - 3 - 1
	if usable < 4 {
		return 3
	}
	size := usable / 4 * 3
	if size > 512 {
		size = 512
	}
	return size
}

// Close stops the worker. In-flight submissions fail with ErrClosed.
func (p *Protocol) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// run executes queued operations one at a time, preserving submission
// order.
func (p *Protocol) run() {
	for {
		select {
		case <-p.done:
			return
		case req := <-p.ops:
			req.result <- req.run()
		}
	}
}

// enqueue submits an operation to the FIFO queue and waits for it.
func (p *Protocol) enqueue(ctx context.Context, run func() error) error {
	req := opRequest{run: run, result: make(chan error, 1)}
	select {
	case p.ops <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
	select {
	case err := <-req.result:
		return err
	case <-p.done:
		return ErrClosed
	}
}

// ListFiles sends LIST and reassembles the fragmented response into
// FileInfo entries, resolving on the END_LIST marker. Malformed records
// are logged and skipped.
func (p *Protocol) ListFiles(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo
	err := p.enqueue(ctx, func() error {
		opID := p.tracker.Track("list", nil)
		err := p.listFiles(ctx, &files)
		p.tracker.Complete(opID, err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (p *Protocol) listFiles(ctx context.Context, out *[]FileInfo) error {
	p.reasm.Reset()
	if err := p.link.SendCommand([]byte(cmdList)); err != nil {
		return fmt.Errorf("send LIST: %w", err)
	}

	deadline := time.NewTimer(p.opts.ListTimeout)
	defer deadline.Stop()

	for {
		// Drain complete records before looking for the terminal
		// marker; END_LIST may ride in the same fragment as a record.
		for {
			rec, ok := p.reasm.NextRecord()
			if !ok {
				break
			}
			info, err := parseFileRecord(rec)
			if err != nil {
				p.logger.Warn("skipping malformed list record", "record", rec, "error", err)
				continue
			}
			*out = append(*out, info)
		}
		if p.reasm.ConsumeToken(tokenEndList) {
			return nil
		}

		select {
		case fragment := <-p.link.Notifications():
			p.reasm.Append(fragment)
		case <-deadline.C:
			return fmt.Errorf("%w: no END_LIST within %s", ErrProtocolTimeout, p.opts.ListTimeout)
		case <-p.link.Done():
			return ErrLinkClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TransferFile streams data to the accessory in chunks: START, one write
// plus OK per chunk, then END/DONE. A missing or failed chunk
// acknowledgment fails the whole transfer; already-acknowledged chunks
// are not retried, the caller restarts the file.
func (p *Protocol) TransferFile(ctx context.Context, filename string, data []byte, onProgress func(Progress)) error {
	return p.enqueue(ctx, func() error {
		opID := p.tracker.Track("transfer", map[string]string{
			"filename": filename,
			"size":     fmt.Sprintf("%d", len(data)),
		})
		err := p.transferFile(ctx, filename, data, onProgress)
		p.tracker.Complete(opID, err)
		if err != nil {
			p.events.Publish(bus.TopicError, bus.ErrorEvent{
				Kind:    "transfer_failed",
				Message: fmt.Sprintf("transfer of %s failed: %v", filename, err),
				Time:    time.Now(),
			})
		}
		return err
	})
}

func (p *Protocol) transferFile(ctx context.Context, filename string, data []byte, onProgress func(Progress)) error {
	p.reasm.Reset()

	// STARTING
	if err := p.link.SendCommand([]byte(cmdStart + filename)); err != nil {
		return fmt.Errorf("send START: %w", err)
	}
	if err := p.awaitToken(ctx, tokenReady, p.opts.StartTimeout, "READY"); err != nil {
		return err
	}

	// TRANSFERRING
	start := time.Now()
	sent := 0
	total := len(data)
	chunks := splitChunks(data, p.opts.ChunkSize)
	p.logger.Info("transfer started", "filename", filename, "bytes", total, "chunks", len(chunks), "chunk_size", p.opts.ChunkSize)

	for i, chunk := range chunks {
		if err := p.link.SendData(encodeChunk(chunk)); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if err := p.awaitToken(ctx, tokenOK, p.opts.ChunkAckTimeout, fmt.Sprintf("chunk %d/%d ack", i+1, len(chunks))); err != nil {
			return err
		}

		sent += len(chunk)
		elapsed := time.Since(start).Seconds()
		speed := 0.0
		if elapsed > 0 {
			speed = float64(sent) / elapsed
		}
		prog := Progress{BytesTransferred: sent, TotalBytes: total, StartTime: start, SpeedBps: speed}
		if onProgress != nil {
			onProgress(prog)
		}
		p.events.Publish(bus.TopicTransfer, bus.TransferProgress{
			Filename:         filename,
			BytesTransferred: sent,
			TotalBytes:       total,
			SpeedBps:         speed,
		})
	}

	// ENDING
	if err := p.link.SendCommand([]byte(cmdEnd)); err != nil {
		return fmt.Errorf("send END: %w", err)
	}
	if err := p.awaitToken(ctx, tokenDone, p.opts.EndTimeout, "DONE"); err != nil {
		return err
	}

	p.logger.Info("transfer complete", "filename", filename, "bytes", total, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// DeleteFile removes a file from accessory storage.
func (p *Protocol) DeleteFile(ctx context.Context, filename string) error {
	return p.enqueue(ctx, func() error {
		opID := p.tracker.Track("delete", map[string]string{"filename": filename})
		err := func() error {
			p.reasm.Reset()
			if err := p.link.SendCommand([]byte(cmdDelete + filename)); err != nil {
				return fmt.Errorf("send DELETE: %w", err)
			}
			return p.awaitToken(ctx, tokenOK, p.opts.CommandTimeout, "DELETE ack")
		}()
		p.tracker.Complete(opID, err)
		return err
	})
}

// GetStorageSpace queries total and used storage bytes.
func (p *Protocol) GetStorageSpace(ctx context.Context) (StorageSpace, error) {
	var space StorageSpace
	err := p.enqueue(ctx, func() error {
		opID := p.tracker.Track("space", nil)
		err := func() error {
			p.reasm.Reset()
			if err := p.link.SendCommand([]byte(cmdSpace)); err != nil {
				return fmt.Errorf("send SPACE: %w", err)
			}
			line, err := p.awaitLine(ctx, p.opts.CommandTimeout, "SPACE response")
			if err != nil {
				return err
			}
			space, err = parseStorageSpace(line)
			return err
		}()
		p.tracker.Complete(opID, err)
		return err
	})
	return space, err
}

// awaitToken buffers fragments until the expected token (or the
// accessory's failure token) appears, bounded by timeout. Listeners are
// released on every path.
func (p *Protocol) awaitToken(ctx context.Context, token string, timeout time.Duration, stage string) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if p.reasm.ConsumeToken(token) {
			return nil
		}
		if p.reasm.ConsumeToken(tokenError) {
			return fmt.Errorf("%w: waiting for %s", ErrCommandRejected, stage)
		}

		select {
		case fragment := <-p.link.Notifications():
			p.reasm.Append(fragment)
		case <-deadline.C:
			return fmt.Errorf("%w: waiting for %s after %s", ErrProtocolTimeout, stage, timeout)
		case <-p.link.Done():
			return ErrLinkClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitLine buffers fragments until a full newline-terminated line is
// available.
func (p *Protocol) awaitLine(ctx context.Context, timeout time.Duration, stage string) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if line, ok := p.reasm.NextLine(); ok {
			return line, nil
		}

		select {
		case fragment := <-p.link.Notifications():
			p.reasm.Append(fragment)
		case <-deadline.C:
			return "", fmt.Errorf("%w: waiting for %s after %s", ErrProtocolTimeout, stage, timeout)
		case <-p.link.Done():
			return "", ErrLinkClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// splitChunks slices data into fixed-size chunks; the final chunk holds
// the remainder.
func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		if len(data) == 0 {
			return nil
		}
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// encodeChunk transport-encodes one raw chunk: standard base64 plus a
// newline frame delimiter.
func encodeChunk(chunk []byte) []byte {
	enc := base64.StdEncoding
	out := make([]byte, enc.EncodedLen(len(chunk))+1)
	enc.Encode(out, chunk)
	out[len(out)-1] = '\n'
	return out
}

var _ Station = (*Protocol)(nil)
