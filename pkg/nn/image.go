package nn

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeImage decodes any of the registered image formats (jpeg, png, gif, bmp, tiff, webp).
// The header is read first, and images with more than maxPixels pixels are rejected
// before any pixel memory is allocated. Zero maxPixels means no limit.
func DecodeImage(b []byte, maxPixels int) (image.Image, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image dimensions are %vx%v", ErrInvalidImage, cfg.Width, cfg.Height)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %vx%v image is more than the limit of %v pixels", ErrInvalidImage, cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Dx() <= 0 || img.Bounds().Dy() <= 0 {
		return nil, fmt.Errorf("%w: image dimensions are %vx%v", ErrInvalidImage, img.Bounds().Dx(), img.Bounds().Dy())
	}
	return img, nil
}

// AnnotateJPEG draws the detection box and label onto a copy of img, and returns it as a JPEG
func AnnotateJPEG(img image.Image, det ObjectDetection, quality int) ([]byte, error) {
	dc := gg.NewContextForImage(img)
	x := float64(det.Box.X1)
	y := float64(det.Box.Y1)
	dc.SetRGB(1, 0.2, 0)
	dc.SetLineWidth(3)
	dc.DrawRectangle(x, y, float64(det.Box.Width()), float64(det.Box.Height()))
	dc.Stroke()

	label := fmt.Sprintf("%v %.0f%%", det.ClassName, det.Confidence*100)
	labelY := y - 4
	if labelY < 12 {
		labelY = y + 14
	}
	dc.DrawString(label, x+2, labelY)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
