// Package eink turns raw page screenshots into images an e-ink panel can show.
package eink

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/bmp"

	"github.com/inkdash/inkdash/pkg/models"
)

// Options describes the transformation applied to one bitmap.
type Options struct {
	Format    string
	Rotate    int
	Invert    bool
	Dithering *models.DitheringConfig
}

// Processor decodes a PNG, rotates, inverts and quantizes it, then encodes
// the requested output format. It never modifies the input slice.
type Processor struct {
	JPEGQuality int
}

func NewProcessor() *Processor {
	return &Processor{JPEGQuality: 90}
}

// Process transforms bitmap according to opts.
func (p *Processor) Process(bitmap []byte, opts Options) ([]byte, error) {
	if len(bitmap) == 0 {
		return nil, errors.New("empty bitmap")
	}
	format := models.NormalizeFormat(opts.Format)
	switch format {
	case models.FormatPNG, models.FormatJPEG, models.FormatBMP:
	default:
		return nil, fmt.Errorf("unsupported output format %q", opts.Format)
	}

	src, err := png.Decode(bytes.NewReader(bitmap))
	if err != nil {
		return nil, fmt.Errorf("decode bitmap: %w", err)
	}

	img, err := rotate(src, opts.Rotate)
	if err != nil {
		return nil, err
	}
	if opts.Invert {
		img = invert(img)
	}
	if opts.Dithering != nil {
		if img, err = quantize(img, *opts.Dithering); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	switch format {
	case models.FormatJPEG:
		quality := p.JPEGQuality
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	case models.FormatBMP:
		err = bmp.Encode(&buf, img)
	default:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("encode %s: empty output", format)
	}
	return buf.Bytes(), nil
}

// rotate turns the image clockwise by a multiple of 90 degrees.
func rotate(src image.Image, degrees int) (image.Image, error) {
	deg := ((degrees % 360) + 360) % 360
	if deg%90 != 0 {
		return nil, fmt.Errorf("rotation must be a multiple of 90, got %d", degrees)
	}
	if deg == 0 {
		return src, nil
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.NRGBA
	if deg == 180 {
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.At(b.Min.X+x, b.Min.Y+y)
			switch deg {
			case 90:
				dst.Set(h-1-y, x, c)
			case 180:
				dst.Set(w-1-x, h-1-y, c)
			case 270:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst, nil
}

func invert(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	for i := 0; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255 - dst.Pix[i]
		dst.Pix[i+1] = 255 - dst.Pix[i+1]
		dst.Pix[i+2] = 255 - dst.Pix[i+2]
	}
	return dst
}

// quantize maps the image onto an evenly spaced gray palette.
func quantize(src image.Image, cfg models.DitheringConfig) (image.Image, error) {
	b := src.Bounds()
	if cfg.Method == models.DitherNone {
		dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, nil
	}

	levels := cfg.Levels
	if levels == 0 {
		levels = 2
	}
	if levels < 2 || levels > 256 {
		return nil, fmt.Errorf("gray levels must be between 2 and 256, got %d", levels)
	}

	var drawer draw.Drawer
	switch cfg.Method {
	case "", models.DitherFloydSteinberg:
		drawer = draw.FloydSteinberg
	case models.DitherThreshold:
		drawer = draw.Src
	default:
		return nil, fmt.Errorf("unknown dithering method %q", cfg.Method)
	}

	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), GrayPalette(levels))
	drawer.Draw(dst, dst.Bounds(), src, b.Min)
	return dst, nil
}

// GrayPalette returns n grays from black to white.
func GrayPalette(n int) color.Palette {
	pal := make(color.Palette, n)
	for i := 0; i < n; i++ {
		v := uint8(i * 255 / (n - 1))
		pal[i] = color.Gray{Y: v}
	}
	return pal
}
