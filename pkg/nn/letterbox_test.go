package nn

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"
)

func solidImage(width, height int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

func TestComputeTransform(t *testing.T) {
	p, err := ComputeTransform(1280, 720, 640)
	require.NoError(t, err)
	require.Equal(t, float32(0.5), p.Scale)
	require.Equal(t, 640, p.NewWidth)
	require.Equal(t, 360, p.NewHeight)
	require.Equal(t, 0, p.PadX)
	require.Equal(t, 140, p.PadY)

	// Portrait, with odd padding (floor division)
	p, err = ComputeTransform(481, 640, 640)
	require.NoError(t, err)
	require.Equal(t, float32(1), p.Scale)
	require.Equal(t, 481, p.NewWidth)
	require.Equal(t, 79, p.PadX)
	require.Equal(t, 0, p.PadY)

	// Upscaling a small image
	p, err = ComputeTransform(100, 50, 640)
	require.NoError(t, err)
	require.Equal(t, float32(6.4), p.Scale)
	require.Equal(t, 640, p.NewWidth)
	require.Equal(t, 320, p.NewHeight)
	require.Equal(t, 160, p.PadY)
}

func TestComputeTransformInvalid(t *testing.T) {
	_, err := ComputeTransform(0, 480, 640)
	require.ErrorIs(t, err, ErrInvalidImage)
	_, err = ComputeTransform(640, 0, 640)
	require.ErrorIs(t, err, ErrInvalidImage)
}

func TestTransformRoundTrip(t *testing.T) {
	sizes := [][2]int{{1280, 720}, {640, 480}, {480, 640}, {1920, 1080}, {333, 777}, {640, 640}, {50, 20}}
	for _, sz := range sizes {
		p, err := ComputeTransform(sz[0], sz[1], 640)
		require.NoError(t, err)
		for _, pt := range [][2]float32{{0, 0}, {1, 1}, {float32(sz[0]) / 3, float32(sz[1]) / 2}, {float32(sz[0]), float32(sz[1])}} {
			mx, my := p.ToModel(pt[0], pt[1])
			ox, oy := p.ToOriginal(mx, my)
			require.InDelta(t, pt[0], ox, 1e-2, "size %v", sz)
			require.InDelta(t, pt[1], oy, 1e-2, "size %v", sz)
		}
		box := Box{X1: 1, Y1: 1, X2: float32(sz[0]) - 1, Y2: float32(sz[1]) - 1}
		x1, y1 := p.ToModel(box.X1, box.Y1)
		x2, y2 := p.ToModel(box.X2, box.Y2)
		back := p.BoxToOriginal(Box{X1: x1, Y1: y1, X2: x2, Y2: y2})
		require.InDelta(t, box.X1, back.X1, 1e-2)
		require.InDelta(t, box.Y1, back.Y1, 1e-2)
		require.InDelta(t, box.X2, back.X2, 1e-2)
		require.InDelta(t, box.Y2, back.Y2, 1e-2)
	}
}

func TestLetterbox(t *testing.T) {
	red := color.RGBA{200, 10, 10, 255}
	src := solidImage(1280, 720, red)
	canvas, p, err := Letterbox(src, 640, DefaultPadValue)
	require.NoError(t, err)
	require.Equal(t, 640, canvas.Rect.Dx())
	require.Equal(t, 640, canvas.Rect.Dy())
	require.Equal(t, 140, p.PadY)

	// Padding above and below the image
	require.Equal(t, color.RGBA{114, 114, 114, 255}, canvas.RGBAAt(10, 10))
	require.Equal(t, color.RGBA{114, 114, 114, 255}, canvas.RGBAAt(320, 639))
	// Inside the image
	inside := canvas.RGBAAt(320, 320)
	require.InDelta(t, red.R, inside.R, 1)
	require.InDelta(t, red.G, inside.G, 1)
	require.InDelta(t, red.B, inside.B, 1)

	tensor := ImageToTensor(canvas)
	require.Len(t, tensor, 3*640*640)
	i := 320*640 + 320
	require.InDelta(t, 200.0/255, tensor[i], 1.5/255)
	require.InDelta(t, 10.0/255, tensor[640*640+i], 1.5/255)
	require.InDelta(t, 114.0/255, tensor[2*640*640+10], 1e-6)
}
