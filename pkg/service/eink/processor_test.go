package eink

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"

	"github.com/inkdash/inkdash/pkg/models"
)

// gradientPNG is w x h with a white left column and a horizontal gray ramp.
func gradientPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(255 - x*255/(w-1))
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img
}

func gray(c color.Color) uint8 {
	return color.GrayModel.Convert(c).(color.Gray).Y
}

func TestProcess_RotateSwapsDimensions(t *testing.T) {
	p := NewProcessor()
	in := gradientPNG(t, 8, 4)

	out, err := p.Process(in, Options{Format: "png", Rotate: 90})
	require.NoError(t, err)
	img := decode(t, out)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 8, img.Bounds().Dy())
	// The white left column becomes the top row after a clockwise turn.
	assert.Equal(t, uint8(255), gray(img.At(0, 0)))
	assert.Equal(t, uint8(0), gray(img.At(0, 7)))

	out, err = p.Process(in, Options{Format: "png", Rotate: 180})
	require.NoError(t, err)
	img = decode(t, out)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, uint8(0), gray(img.At(0, 0)))

	out, err = p.Process(in, Options{Format: "png", Rotate: -90})
	require.NoError(t, err)
	img = decode(t, out)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, uint8(255), gray(img.At(0, 7)))
}

func TestProcess_RejectsOddRotation(t *testing.T) {
	_, err := NewProcessor().Process(gradientPNG(t, 4, 4), Options{Rotate: 45})
	assert.Error(t, err)
}

func TestProcess_Invert(t *testing.T) {
	out, err := NewProcessor().Process(gradientPNG(t, 4, 2), Options{Invert: true})
	require.NoError(t, err)
	img := decode(t, out)
	assert.Equal(t, uint8(0), gray(img.At(0, 0)))
	assert.Equal(t, uint8(255), gray(img.At(3, 1)))
}

func TestProcess_DitheringUsesOnlyPaletteLevels(t *testing.T) {
	for _, method := range []string{models.DitherFloydSteinberg, models.DitherThreshold} {
		t.Run(method, func(t *testing.T) {
			out, err := NewProcessor().Process(gradientPNG(t, 32, 8), Options{
				Dithering: &models.DitheringConfig{Method: method, Levels: 2},
			})
			require.NoError(t, err)
			img := decode(t, out)
			b := img.Bounds()
			for y := b.Min.Y; y < b.Max.Y; y++ {
				for x := b.Min.X; x < b.Max.X; x++ {
					v := gray(img.At(x, y))
					require.Truef(t, v == 0 || v == 255, "pixel (%d,%d) = %d", x, y, v)
				}
			}
		})
	}
}

func TestProcess_Formats(t *testing.T) {
	in := gradientPNG(t, 6, 3)
	p := NewProcessor()

	out, err := p.Process(in, Options{Format: "jpg"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, out[:2])

	out, err = p.Process(in, Options{Format: "bmp"})
	require.NoError(t, err)
	img, err := bmp.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())

	_, err = p.Process(in, Options{Format: "tiff"})
	assert.Error(t, err)
}

func TestProcess_DoesNotMutateInput(t *testing.T) {
	in := gradientPNG(t, 8, 8)
	orig := append([]byte(nil), in...)

	_, err := NewProcessor().Process(in, Options{Rotate: 270, Invert: true, Dithering: &models.DitheringConfig{Levels: 4}})
	require.NoError(t, err)
	assert.Equal(t, orig, in)
}

func TestProcess_EmptyAndGarbage(t *testing.T) {
	_, err := NewProcessor().Process(nil, Options{})
	assert.Error(t, err)
	_, err = NewProcessor().Process([]byte("not a png"), Options{})
	assert.Error(t, err)
}

func TestGrayPalette(t *testing.T) {
	pal := GrayPalette(4)
	require.Len(t, pal, 4)
	assert.Equal(t, color.Gray{Y: 0}, pal[0])
	assert.Equal(t, color.Gray{Y: 85}, pal[1])
	assert.Equal(t, color.Gray{Y: 255}, pal[3])
}
