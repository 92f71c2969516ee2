// Package imagex decodes uploaded images, and converts them into NN input tensors
package imagex

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// DecodeError is returned when an uploaded file is not a readable image
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("Failed to decode image '%v': %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DefaultMaxPixels is the largest image that Decode accepts when no limit is given
const DefaultMaxPixels = 40 * 1000 * 1000

// Decode decodes a JPEG, PNG, GIF or WebP image.
// name is only used for error messages.
// Images with more than maxPixels pixels are rejected from their header, before
// any pixels are allocated. maxPixels <= 0 means DefaultMaxPixels.
func Decode(name string, data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Name: name, Err: fmt.Errorf("File is empty")}
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Name: name, Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &DecodeError{Name: name, Err: fmt.Errorf("Image has no pixels")}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, &DecodeError{Name: name, Err: fmt.Errorf("Image is %v x %v, which exceeds the limit of %v pixels", cfg.Width, cfg.Height, maxPixels)}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Name: name, Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Name: name, Err: fmt.Errorf("Image has no pixels")}
	}
	return img, nil
}

// Resize the image to exactly width x height, ignoring aspect ratio
func Resize(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}

// ToFloatNHWC resizes img to width x height, and returns RGB values
// in the range [-1, 1], in NHWC order (the layout of MobileNet inputs).
func ToFloatNHWC(img image.Image, width, height int) []float32 {
	img = Resize(img, width, height)
	b := img.Bounds()
	out := make([]float32, 0, width*height*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out,
				float32(r)/32767.5-1,
				float32(g)/32767.5-1,
				float32(bl)/32767.5-1)
		}
	}
	return out
}

// ToUint8NHWC resizes img to width x height, and returns 8-bit RGB values
// in NHWC order (the layout of TF object detection inputs).
func ToUint8NHWC(img image.Image, width, height int) []uint8 {
	img = Resize(img, width, height)
	b := img.Bounds()
	out := make([]uint8, 0, width*height*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, uint8(r>>8), uint8(g>>8), uint8(bl>>8))
		}
	}
	return out
}
