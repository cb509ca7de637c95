package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Container layout for persisted payloads (<stem>.eink):
//
//	offset 0: magic "EINK1" (5 bytes)
//	offset 5: orientation ('P' or 'L')
//	offset 6: width  uint16 big-endian
//	offset 8: height uint16 big-endian
//	offset 10: payload length uint32 big-endian
//	offset 14: packed 4-bit data
//
// The JPEG preview lives beside it as <stem>.jpg.
const containerMagic = "EINK1"

const containerHeaderLen = len(containerMagic) + 1 + 2 + 2 + 4

var ErrBadContainer = errors.New("bad container file")

// Save writes the packed payload in the canonical container format and
// returns the written path.
func Save(res *Result, orientation Orientation, dir, stem string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	buf := make([]byte, containerHeaderLen, containerHeaderLen+len(res.Packed))
	copy(buf, containerMagic)
	if orientation == OrientationLandscape {
		buf[5] = 'L'
	} else {
		buf[5] = 'P'
	}
	binary.BigEndian.PutUint16(buf[6:], uint16(res.Width))
	binary.BigEndian.PutUint16(buf[8:], uint16(res.Height))
	binary.BigEndian.PutUint32(buf[10:], uint32(len(res.Packed)))
	buf = append(buf, res.Packed...)

	path := filepath.Join(dir, stem+".eink")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("write container: %w", err)
	}
	return path, nil
}

// Load reads a container back. The preview path is derived from the
// container path, and is empty when no preview file exists beside it.
func Load(path string) (*Result, Orientation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read container: %w", err)
	}
	if len(data) < containerHeaderLen || string(data[:len(containerMagic)]) != containerMagic {
		return nil, "", fmt.Errorf("%w: %s", ErrBadContainer, path)
	}

	orientation := OrientationPortrait
	if data[5] == 'L' {
		orientation = OrientationLandscape
	}
	width := int(binary.BigEndian.Uint16(data[6:]))
	height := int(binary.BigEndian.Uint16(data[8:]))
	payloadLen := int(binary.BigEndian.Uint32(data[10:]))
	if containerHeaderLen+payloadLen > len(data) {
		return nil, "", fmt.Errorf("%w: truncated payload in %s", ErrBadContainer, path)
	}

	res := &Result{
		Width:  width,
		Height: height,
		Packed: data[containerHeaderLen : containerHeaderLen+payloadLen],
	}
	preview := path[:len(path)-len(".eink")] + ".jpg"
	if _, err := os.Stat(preview); err == nil {
		res.PreviewPath = preview
	}
	return res, orientation, nil
}
