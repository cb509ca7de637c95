// Package rest is the WiFi carrier for the accessory's operation set:
// the same list/upload/delete/space semantics as the BLE protocol, plus
// a display trigger, over the accessory's onboard HTTP server.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"inkframe/internal/protocol"
)

// Client talks to the accessory's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New builds a client for the accessory at baseURL, e.g.
// "http://192.168.4.1".
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type fileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type storageResponse struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
}

// ListFiles fetches the accessory's file listing.
func (c *Client) ListFiles(ctx context.Context) ([]protocol.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/files", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list files: unexpected status %s", resp.Status)
	}

	var entries []fileEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode file listing: %w", err)
	}
	files := make([]protocol.FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, protocol.FileInfo{Name: e.Name, Size: e.Size})
	}
	return files, nil
}

// progressReader reports read progress as the request body is consumed
// by the HTTP transport.
type progressReader struct {
	r          io.Reader
	total      int
	read       int
	start      time.Time
	onProgress func(protocol.Progress)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += n
		if pr.onProgress != nil {
			elapsed := time.Since(pr.start).Seconds()
			speed := 0.0
			if elapsed > 0 {
				speed = float64(pr.read) / elapsed
			}
			sent := pr.read
			if sent > pr.total {
				sent = pr.total
			}
			pr.onProgress(protocol.Progress{
				BytesTransferred: sent,
				TotalBytes:       pr.total,
				StartTime:        pr.start,
				SpeedBps:         speed,
			})
		}
	}
	return n, err
}

// TransferFile uploads data as a multipart form. Progress reflects body
// bytes consumed by the transport.
func (c *Client) TransferFile(ctx context.Context, filename string, data []byte, onProgress func(protocol.Progress)) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("build multipart: %w", err)
	}

	pr := &progressReader{
		r:          &body,
		total:      len(data),
		start:      time.Now(),
		onProgress: onProgress,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.ContentLength = int64(body.Len())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload %s: unexpected status %s", filename, resp.Status)
	}
	c.logger.Info("upload complete", "filename", filename, "bytes", len(data))
	return nil
}

// DeleteFile removes a file from accessory storage.
func (c *Client) DeleteFile(ctx context.Context, filename string) error {
	u := c.baseURL + "/api/files?filename=" + url.QueryEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delete %s: unexpected status %s", filename, resp.Status)
	}
	return nil
}

// GetStorageSpace queries total and used storage bytes.
func (c *Client) GetStorageSpace(ctx context.Context) (protocol.StorageSpace, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/storage", nil)
	if err != nil {
		return protocol.StorageSpace{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.StorageSpace{}, fmt.Errorf("storage query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocol.StorageSpace{}, fmt.Errorf("storage query: unexpected status %s", resp.Status)
	}

	var sr storageResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return protocol.StorageSpace{}, fmt.Errorf("decode storage response: %w", err)
	}
	return protocol.StorageSpace{Total: sr.Total, Used: sr.Used}, nil
}

// DisplayFile asks the accessory to show an already-uploaded file on the
// panel. WiFi-only: the BLE grammar has no display command.
func (c *Client) DisplayFile(ctx context.Context, filename string) error {
	u := c.baseURL + "/api/display?filename=" + url.QueryEscape(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("display %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("display %s: unexpected status %s", filename, resp.Status)
	}
	return nil
}

// Compile-time check: both carriers expose the same operation set.
var _ protocol.Station = (*Client)(nil)
