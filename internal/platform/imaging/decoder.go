// Package imaging decodes stored images at a bounded resolution and keeps the
// results in an LRU cache.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	// Registered formats
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrUnknownSize is returned for a Size the decoder has no bounds for
var ErrUnknownSize = errors.New("unknown image size")

// Size selects the resolution an image is decoded at
type Size int

const (
	// SizeOrigin decodes at full resolution
	SizeOrigin Size = iota
	// SizeScreen bounds the pixel count by the screen area
	SizeScreen
	// SizeSmall bounds the pixel count by the thumbnail area
	SizeSmall
)

// String returns the lowercase size name
func (s Size) String() string {
	switch s {
	case SizeOrigin:
		return "origin"
	case SizeScreen:
		return "screen"
	case SizeSmall:
		return "small"
	default:
		return fmt.Sprintf("size(%d)", int(s))
	}
}

// ParseSize converts a size name produced by Size.String back to a Size
func ParseSize(name string) (Size, error) {
	switch name {
	case "origin":
		return SizeOrigin, nil
	case "screen":
		return SizeScreen, nil
	case "small":
		return SizeSmall, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSize, name)
	}
}

// Config holds the pixel bounds for each Size
type Config struct {
	ScreenWidth  int
	ScreenHeight int
	SmallWidth   int
	SmallHeight  int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		ScreenWidth:  1080,
		ScreenHeight: 1920,
		SmallWidth:   240,
		SmallHeight:  320,
	}
}

// Decoder decodes PNG, JPEG, GIF, BMP and WebP images
type Decoder struct {
	config Config
}

// NewDecoder creates a decoder with the given bounds
func NewDecoder(config Config) *Decoder {
	return &Decoder{config: config}
}

// MaxPixels returns the pixel budget for size, or NoLimit for SizeOrigin
func (d *Decoder) MaxPixels(size Size) (int, error) {
	switch size {
	case SizeOrigin:
		return NoLimit, nil
	case SizeScreen:
		return d.config.ScreenWidth * d.config.ScreenHeight, nil
	case SizeSmall:
		return d.config.SmallWidth * d.config.SmallHeight, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownSize, int(size))
	}
}

// Decode reads an image from r and subsamples it to fit size
func (d *Decoder) Decode(r io.Reader, size Size) (image.Image, error) {
	maxPixels, err := d.MaxPixels(size)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image bounds: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	sample := ComputeSampleSize(cfg.Width, cfg.Height, NoLimit, maxPixels)
	if sample <= 1 {
		return img, nil
	}
	return scale(img, sample), nil
}

// Process decodes an image from r at size and writes it to w as PNG
func (d *Decoder) Process(r io.Reader, w io.Writer, size Size) error {
	img, err := d.Decode(r, size)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}

func scale(src image.Image, sample int) image.Image {
	b := src.Bounds()
	width := max(b.Dx()/sample, 1)
	height := max(b.Dy()/sample, 1)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
