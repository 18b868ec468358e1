package models

import "strings"

// Output formats accepted by the image processor.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatBMP  = "bmp"
)

// Dithering methods.
const (
	DitherFloydSteinberg = "floyd-steinberg"
	DitherThreshold      = "threshold"
	DitherNone           = "none"
)

type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are positive.
func (v Viewport) Valid() bool { return v.Width > 0 && v.Height > 0 }

// CropRegion is applied only when Width and Height are both positive.
type CropRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DitheringConfig reduces the image to Levels evenly spaced grays.
type DitheringConfig struct {
	Method string `json:"method"`
	Levels int    `json:"levels"`
}

// ScreenshotParams is everything a caller can ask of one capture.
type ScreenshotParams struct {
	PagePath    string           `json:"pagePath"`
	TargetURL   string           `json:"targetUrl,omitempty"`
	Viewport    Viewport         `json:"viewport"`
	WaitMs      *int             `json:"waitMs,omitempty"`
	Zoom        float64          `json:"zoom,omitempty"`
	Lang        string           `json:"lang,omitempty"`
	Theme       string           `json:"theme,omitempty"`
	Dark        *bool            `json:"dark,omitempty"`
	Format      string           `json:"format,omitempty"`
	Rotate      int              `json:"rotate,omitempty"`
	Invert      bool             `json:"invert,omitempty"`
	Dithering   *DitheringConfig `json:"dithering,omitempty"`
	Crop        *CropRegion      `json:"crop,omitempty"`
	NextSeconds int              `json:"next,omitempty"`
}

// NormalizeFormat maps aliases onto the canonical format names.
func NormalizeFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatPNG:
		return FormatPNG
	case "jpg", FormatJPEG:
		return FormatJPEG
	case FormatBMP:
		return FormatBMP
	default:
		return strings.ToLower(strings.TrimSpace(format))
	}
}

// ContentType returns the MIME type for an output format.
func ContentType(format string) string {
	switch NormalizeFormat(format) {
	case FormatJPEG:
		return "image/jpeg"
	case FormatBMP:
		return "image/bmp"
	default:
		return "image/png"
	}
}

// FileExtension returns the file suffix (without dot) for an output format.
func FileExtension(format string) string {
	switch NormalizeFormat(format) {
	case FormatJPEG:
		return "jpg"
	case FormatBMP:
		return "bmp"
	default:
		return "png"
	}
}
