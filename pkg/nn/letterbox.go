package nn

import (
	"fmt"
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"golang.org/x/image/draw"
)

// TransformParams describes how a source image was placed inside the square model input.
// It is produced once per image by ComputeTransform, and consumed by the decoder to map
// boxes back into the original image.
type TransformParams struct {
	Scale       float32 `json:"scale"`
	PadX        int     `json:"padX"`
	PadY        int     `json:"padY"`
	ModelWidth  int     `json:"modelWidth"`
	ModelHeight int     `json:"modelHeight"`
	SrcWidth    int     `json:"srcWidth"`
	SrcHeight   int     `json:"srcHeight"`
	NewWidth    int     `json:"newWidth"`  // Width of the scaled image inside the canvas
	NewHeight   int     `json:"newHeight"` // Height of the scaled image inside the canvas
}

// ComputeTransform computes the letterbox mapping of a srcWidth x srcHeight image into a
// size x size square, preserving aspect ratio and centering the result.
func ComputeTransform(srcWidth, srcHeight, size int) (TransformParams, error) {
	if srcWidth <= 0 || srcHeight <= 0 {
		return TransformParams{}, fmt.Errorf("%w: image dimensions are %vx%v", ErrInvalidImage, srcWidth, srcHeight)
	}
	if size <= 0 {
		return TransformParams{}, fmt.Errorf("model input size must be positive, not %v", size)
	}
	scale := min(float32(size)/float32(srcWidth), float32(size)/float32(srcHeight))
	// A very thin image can round down to zero pixels. Keep at least one row/column.
	newW := min(size, max(1, int(math32.Round(float32(srcWidth)*scale))))
	newH := min(size, max(1, int(math32.Round(float32(srcHeight)*scale))))
	return TransformParams{
		Scale:       scale,
		PadX:        (size - newW) / 2,
		PadY:        (size - newH) / 2,
		ModelWidth:  size,
		ModelHeight: size,
		SrcWidth:    srcWidth,
		SrcHeight:   srcHeight,
		NewWidth:    newW,
		NewHeight:   newH,
	}, nil
}

// ToOriginal maps a point in model (canvas) space back into the source image.
// No clamping is done here.
func (p TransformParams) ToOriginal(x, y float32) (float32, float32) {
	return (x - float32(p.PadX)) / p.Scale, (y - float32(p.PadY)) / p.Scale
}

// ToModel maps a point in the source image into model (canvas) space
func (p TransformParams) ToModel(x, y float32) (float32, float32) {
	return x*p.Scale + float32(p.PadX), y*p.Scale + float32(p.PadY)
}

// BoxToOriginal maps a model space box into the source image, and clamps it to the image bounds
func (p TransformParams) BoxToOriginal(b Box) Box {
	x1, y1 := p.ToOriginal(b.X1, b.Y1)
	x2, y2 := p.ToOriginal(b.X2, b.Y2)
	return Box{X1: x1, Y1: y1, X2: x2, Y2: y2}.Clamp(float32(p.SrcWidth), float32(p.SrcHeight))
}

// Letterbox scales img into a size x size canvas filled with the gray value 'pad'.
func Letterbox(img image.Image, size int, pad uint8) (*image.RGBA, TransformParams, error) {
	b := img.Bounds()
	params, err := ComputeTransform(b.Dx(), b.Dy(), size)
	if err != nil {
		return nil, params, err
	}
	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.RGBA{pad, pad, pad, 255}), image.Point{}, draw.Src)
	target := image.Rect(params.PadX, params.PadY, params.PadX+params.NewWidth, params.PadY+params.NewHeight)
	draw.CatmullRom.Scale(canvas, target, img, b, draw.Src, nil)
	return canvas, params, nil
}

// ImageToTensor converts an RGBA image into a CHW float32 tensor, with values in [0,1]
func ImageToTensor(img *image.RGBA) []float32 {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	plane := w * h
	tensor := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			tensor[i] = float32(row[x*4]) / 255
			tensor[plane+i] = float32(row[x*4+1]) / 255
			tensor[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}
	return tensor
}
