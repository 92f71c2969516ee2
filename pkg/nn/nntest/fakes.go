// Package nntest has in-memory stand-ins for NN models, for use in tests
package nntest

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"

	"github.com/cyclopcam/teachable/pkg/nn"
)

// ColorExtractor embeds an image as the RGB of its top-left pixel, in [0,1].
// Images of similar color are therefore near neighbours.
type ColorExtractor struct {
	Calls atomic.Int64

	// If not nil, Embed blocks until this channel is closed (or ctx is done)
	Gate chan struct{}
	// If not nil, returned from every Embed call
	Err error
}

func (e *ColorExtractor) Close() {}

func (e *ColorExtractor) Width() int { return 3 }

func (e *ColorExtractor) ModelID() string { return "color" }

func (e *ColorExtractor) Config() *nn.ModelConfig {
	return &nn.ModelConfig{Name: "color", Architecture: "fake", Width: 1, Height: 1, EmbeddingWidth: 3}
}

func (e *ColorExtractor) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	e.Calls.Add(1)
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.Err != nil {
		return nil, e.Err
	}
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	return []float32{float32(r) / 65535, float32(g) / 65535, float32(bl) / 65535}, nil
}

// ColorClassifier is an nn.ImageClassifier with the classes "red", "green" and "blue".
// The probability of each class is its share of the top-left pixel's RGB.
type ColorClassifier struct {
	Calls atomic.Int64
	Err   error // If not nil, returned from every Classify call
}

var colorClassifierConfig = nn.ModelConfig{Name: "colors", Architecture: "fake", Width: 1, Height: 1, Classes: []string{"red", "green", "blue"}}

func (c *ColorClassifier) Close() {}

func (c *ColorClassifier) Config() *nn.ModelConfig {
	cfg := colorClassifierConfig
	return &cfg
}

func (c *ColorClassifier) Classify(ctx context.Context, img image.Image, topK int) ([]nn.ClassPrediction, error) {
	c.Calls.Add(1)
	if c.Err != nil {
		return nil, c.Err
	}
	b := img.Bounds()
	r, g, bl, _ := img.At(b.Min.X, b.Min.Y).RGBA()
	sum := float32(r+g+bl) + 1
	probs := []float32{float32(r) / sum, float32(g) / sum, float32(bl) / sum}
	return nn.TopK(&colorClassifierConfig, probs, topK), nil
}

// StaticDetector returns the same detections for every image
type StaticDetector struct {
	Detections []nn.Detection
	Calls      atomic.Int64

	// If not nil, each DetectObjects call sends on Entered, and then waits for Release.
	// The call ignores ctx while waiting, like a model that cannot be interrupted.
	Entered chan struct{}
	Release chan struct{}

	lock   sync.Mutex
	closed bool
}

func (d *StaticDetector) Close() {
	d.lock.Lock()
	d.closed = true
	d.lock.Unlock()
}

func (d *StaticDetector) IsClosed() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.closed
}

func (d *StaticDetector) Config() *nn.ModelConfig {
	return &nn.ModelConfig{Name: "static", Architecture: "fake", Width: 1, Height: 1}
}

func (d *StaticDetector) DetectObjects(ctx context.Context, img image.Image, params *nn.DetectionParams) ([]nn.Detection, error) {
	d.Calls.Add(1)
	if d.Entered != nil {
		d.Entered <- struct{}{}
		<-d.Release
	}
	if err := ctx.Err(); err != nil && d.Entered == nil {
		return nil, err
	}
	out := make([]nn.Detection, len(d.Detections))
	copy(out, d.Detections)
	return out, nil
}

// SolidImage returns a small image of a single color
func SolidImage(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// SolidPNG returns a PNG-encoded SolidImage
func SolidPNG(c color.RGBA) []byte {
	buf := bytes.Buffer{}
	if err := png.Encode(&buf, SolidImage(c)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
