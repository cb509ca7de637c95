package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord marks a LIST record that cannot be parsed. Malformed
// records are skipped with a warning, never aborting the listing.
var ErrMalformedRecord = errors.New("malformed record")

// FileInfo is one entry parsed from a LIST response. Ephemeral, rebuilt
// on every listing.
type FileInfo struct {
	Name string
	Size int64
}

// StorageSpace is the parsed SPACE response, in bytes.
type StorageSpace struct {
	Total int64
	Used  int64
}

// Reassembler accumulates inbound fragments into a rolling buffer. The
// transport delivers data in small, possibly-split pieces; a fragment
// boundary never means a message boundary. Completion is declared only
// on an explicit delimiter or terminal token.
type Reassembler struct {
	buf []byte
}

// Append adds a fragment to the rolling buffer.
func (r *Reassembler) Append(fragment []byte) {
	r.buf = append(r.buf, fragment...)
}

// NextRecord extracts the next ';'-terminated record, without the
// delimiter. ok is false when no complete record is buffered yet.
func (r *Reassembler) NextRecord() (string, bool) {
	idx := bytes.IndexByte(r.buf, ';')
	if idx < 0 {
		return "", false
	}
	rec := string(r.buf[:idx])
	r.buf = r.buf[idx+1:]
	return rec, true
}

// NextLine extracts the next '\n'-terminated line, without the
// delimiter. A trailing '\r' is stripped.
func (r *Reassembler) NextLine() (string, bool) {
	idx := bytes.IndexByte(r.buf, '\n')
	if idx < 0 {
		return "", false
	}
	line := strings.TrimSuffix(string(r.buf[:idx]), "\r")
	r.buf = r.buf[idx+1:]
	return line, true
}

// ConsumeToken reports whether the buffer contains the given terminal
// token, consuming through its end when found. Tokens may arrive
// standalone or appended to other data.
func (r *Reassembler) ConsumeToken(token string) bool {
	idx := bytes.Index(r.buf, []byte(token))
	if idx < 0 {
		return false
	}
	r.buf = r.buf[idx+len(token):]
	return true
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards any buffered partial data. Called between operations
// that must not see each other's leftovers.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// parseFileRecord parses one "name,size" record from a LIST response.
func parseFileRecord(rec string) (FileInfo, error) {
	name, sizeStr, ok := strings.Cut(rec, ",")
	if !ok || name == "" {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrMalformedRecord, rec)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 10, 64)
	if err != nil || size < 0 {
		return FileInfo{}, fmt.Errorf("%w: bad size in %q", ErrMalformedRecord, rec)
	}
	return FileInfo{Name: name, Size: size}, nil
}

// parseStorageSpace parses the "total,used" SPACE response line.
func parseStorageSpace(line string) (StorageSpace, error) {
	totalStr, usedStr, ok := strings.Cut(strings.TrimSpace(line), ",")
	if !ok {
		return StorageSpace{}, fmt.Errorf("bad SPACE response %q", line)
	}
	total, err := strconv.ParseInt(strings.TrimSpace(totalStr), 10, 64)
	if err != nil || total < 0 {
		return StorageSpace{}, fmt.Errorf("bad SPACE total in %q", line)
	}
	used, err := strconv.ParseInt(strings.TrimSpace(usedStr), 10, 64)
	if err != nil || used < 0 {
		return StorageSpace{}, fmt.Errorf("bad SPACE used in %q", line)
	}
	return StorageSpace{Total: total, Used: used}, nil
}
