// Package encoder converts a cropped photo into the packed 4-bit
// grayscale bitmap the InkFrame display controller expects. Pure
// transformation: no device I/O, only reading and writing image bytes.
package encoder

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoders for LoadImage
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	xdraw "golang.org/x/image/draw"
)

// ErrImageDecode marks unreadable input.
var ErrImageDecode = errors.New("image decode failed")

// Orientation selects the fixed target resolution of the panel.
type Orientation string

const (
	OrientationPortrait  Orientation = "portrait"
	OrientationLandscape Orientation = "landscape"
)

// TargetSize returns the panel resolution for the orientation.
func (o Orientation) TargetSize() (width, height int) {
	if o == OrientationLandscape {
		return 960, 540
	}
	return 540, 960
}

// Result is a processed image ready for upload: two 4-bit luminance
// samples per byte, high nibble first.
type Result struct {
	Width       int
	Height      int
	Packed      []byte
	PreviewPath string
}

// Options configures preview generation.
type Options struct {
	PreviewMaxWidth  int
	PreviewMaxHeight int
	JPEGQuality      int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		PreviewMaxWidth:  300,
		PreviewMaxHeight: 533,
		JPEGQuality:      85,
	}
}

// Encoder is the image pipeline: crop/resize, grayscale, pack, preview.
type Encoder struct {
	logger *slog.Logger
	opts   Options
}

func New(logger *slog.Logger, opts Options) *Encoder {
	if opts.PreviewMaxWidth <= 0 {
		opts.PreviewMaxWidth = 300
	}
	if opts.PreviewMaxHeight <= 0 {
		opts.PreviewMaxHeight = 533
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 85
	}
	return &Encoder{logger: logger, opts: opts}
}

// LoadImage decodes a JPEG/PNG/GIF file.
func LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrImageDecode, path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrImageDecode, path, err)
	}
	return img, nil
}

// CropResize crops the source to the given rectangle and scales the
// result to the orientation's panel resolution. The crop rectangle is
// clamped to the source bounds; an empty intersection uses the full
// source.
func CropResize(src image.Image, crop image.Rectangle, o Orientation) *image.RGBA {
	bounds := src.Bounds()
	crop = crop.Intersect(bounds)
	if crop.Empty() {
		crop = bounds
	}

	w, h := o.TargetSize()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, crop, xdraw.Src, nil)
	return dst
}

// Luminance converts the image to 8-bit grayscale samples in row-major
// order using the ITU-R BT.601 weights.
func Luminance(img image.Image) (samples []byte, width, height int) {
	bounds := img.Bounds()
	width = bounds.Dx()
	height = bounds.Dy()
	samples = make([]byte, 0, width*height)

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			gray := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			samples = append(samples, byte(math.Round(gray)))
		}
	}
	return samples, width, height
}

// PackPixels packs two adjacent 8-bit samples into one byte, keeping the
// top 4 bits of each: high nibble first. An odd final sample gets a
// zero-filled low nibble. Output length is ceil(len(samples)/2).
func PackPixels(samples []byte) []byte {
	packed := make([]byte, (len(samples)+1)/2)
	for i := 0; i < len(samples); i += 2 {
		b := (samples[i] >> 4) << 4
		if i+1 < len(samples) {
			b |= samples[i+1] >> 4
		}
		packed[i/2] = b
	}
	return packed
}

// Convert runs grayscale conversion and packing, and writes a bounded
// JPEG preview beside the eventual payload. Preview failure never fails
// the conversion; the preview path falls back to the unmodified source.
func (e *Encoder) Convert(img image.Image, srcPath, outDir, stem string) (*Result, error) {
	samples, w, h := Luminance(img)
	packed := PackPixels(samples)

	previewPath := filepath.Join(outDir, stem+".jpg")
	if err := e.writePreview(img, previewPath); err != nil {
		e.logger.Warn("preview generation failed, falling back to source image", "error", err)
		previewPath = srcPath
	}

	return &Result{
		Width:       w,
		Height:      h,
		Packed:      packed,
		PreviewPath: previewPath,
	}, nil
}

// writePreview scales the image down so its sides fit the preview bounds
// and encodes it as JPEG. Images already within bounds are not upscaled.
func (e *Encoder) writePreview(img image.Image, path string) error {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := 1.0
	if s := float64(e.opts.PreviewMaxWidth) / float64(w); s < scale {
		scale = s
	}
	if s := float64(e.opts.PreviewMaxHeight) / float64(h); s < scale {
		scale = s
	}

	out := img
	if scale < 1.0 {
		pw := int(float64(w) * scale)
		ph := int(float64(h) * scale)
		if pw < 1 {
			pw = 1
		}
		if ph < 1 {
			ph = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, pw, ph))
		xdraw.BiLinear.Scale(scaled, scaled.Bounds(), img, bounds, xdraw.Src, nil)
		out = scaled
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create preview: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, out, &jpeg.Options{Quality: e.opts.JPEGQuality}); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	return nil
}

// Filename builds the canonical payload stem: prefix, orientation, and
// creation timestamp in epoch milliseconds.
func Filename(o Orientation, t time.Time) string {
	return fmt.Sprintf("ink_%s_%d", o, t.UnixMilli())
}
