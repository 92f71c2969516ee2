package onnx

import (
	"context"
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

const defaultSSDMaxDetections = 100

// SSDDetector is an nn.ObjectDetector for SSD models exported with the
// TF object detection API. Input is NHWC uint8. The four outputs, in the
// order of config.Outputs, are boxes [1,N,4], classes [1,N], scores [1,N]
// and num_detections [1].
type SSDDetector struct {
	config nn.ModelConfig

	lock       sync.Mutex
	session    *ort.AdvancedSession
	input      *ort.Tensor[uint8]
	boxes      *ort.Tensor[float32]
	classes    *ort.Tensor[float32]
	scores     *ort.Tensor[float32]
	numDetects *ort.Tensor[float32]
	envHeld    bool
}

// Raw SSD outputs for a single image
type ssdOutput struct {
	boxes   []float32 // ymin, xmin, ymax, xmax, normalized
	classes []float32
	scores  []float32
	num     int
}

func NewSSDDetector(modelFile string, config *nn.ModelConfig, sharedLibrary string) (*SSDDetector, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("Invalid detector config: width %v, height %v", config.Width, config.Height)
	}
	if len(config.Inputs) != 1 || len(config.Outputs) != 4 {
		return nil, fmt.Errorf("SSD detector needs 1 input and 4 outputs, but config has %v and %v", len(config.Inputs), len(config.Outputs))
	}
	if err := acquireEnv(sharedLibrary); err != nil {
		return nil, err
	}
	d := &SSDDetector{
		config:  *config,
		envHeld: true,
	}
	if d.config.MaxDetections <= 0 {
		d.config.MaxDetections = defaultSSDMaxDetections
	}
	n := int64(d.config.MaxDetections)

	var err error
	if d.input, err = ort.NewEmptyTensor[uint8](ort.NewShape(1, int64(config.Height), int64(config.Width), 3)); err != nil {
		d.Close()
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}
	if d.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(1, n, 4)); err != nil {
		d.Close()
		return nil, fmt.Errorf("Failed to create boxes tensor: %w", err)
	}
	if d.classes, err = ort.NewEmptyTensor[float32](ort.NewShape(1, n)); err != nil {
		d.Close()
		return nil, fmt.Errorf("Failed to create classes tensor: %w", err)
	}
	if d.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(1, n)); err != nil {
		d.Close()
		return nil, fmt.Errorf("Failed to create scores tensor: %w", err)
	}
	if d.numDetects, err = ort.NewEmptyTensor[float32](ort.NewShape(1)); err != nil {
		d.Close()
		return nil, fmt.Errorf("Failed to create num_detections tensor: %w", err)
	}
	d.session, err = ort.NewAdvancedSession(modelFile,
		config.Inputs, config.Outputs,
		[]ort.ArbitraryTensor{d.input},
		[]ort.ArbitraryTensor{d.boxes, d.classes, d.scores, d.numDetects},
		nil)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("Failed to create ONNX session for %v: %w", modelFile, err)
	}
	return d, nil
}

func (d *SSDDetector) Close() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	for _, t := range []**ort.Tensor[float32]{&d.boxes, &d.classes, &d.scores, &d.numDetects} {
		if *t != nil {
			(*t).Destroy()
			*t = nil
		}
	}
	if d.envHeld {
		releaseEnv()
		d.envHeld = false
	}
}

func (d *SSDDetector) Config() *nn.ModelConfig {
	return &d.config
}

func (d *SSDDetector) DetectObjects(ctx context.Context, img image.Image, params *nn.DetectionParams) ([]nn.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels := imagex.ToUint8NHWC(img, d.config.Width, d.config.Height)

	out, err := d.run(pixels)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	return decodeSSD(&d.config, out, b.Dx(), b.Dy(), params.WithDefaults()), nil
}

func (d *SSDDetector) run(pixels []uint8) (*ssdOutput, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("Detector is closed")
	}
	copy(d.input.GetData(), pixels)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}
	return &ssdOutput{
		boxes:   slices.Clone(d.boxes.GetData()),
		classes: slices.Clone(d.classes.GetData()),
		scores:  slices.Clone(d.scores.GetData()),
		num:     int(d.numDetects.GetData()[0]),
	}, nil
}

// decodeSSD applies the probability threshold and NMS, and scales boxes to
// an image of size srcWidth x srcHeight.
func decodeSSD(config *nn.ModelConfig, out *ssdOutput, srcWidth, srcHeight int, params nn.DetectionParams) []nn.Detection {
	num := min(out.num, len(out.scores), len(out.classes), len(out.boxes)/4)
	dets := []nn.Detection{}
	for i := 0; i < num; i++ {
		if out.scores[i] < params.ProbabilityThreshold {
			continue
		}
		box := out.boxes[i*4 : i*4+4]
		r := nn.RectFromNormalized(box[0], box[1], box[2], box[3], srcWidth, srcHeight)
		if r.Area() == 0 {
			continue
		}
		dets = append(dets, nn.Detection{
			Class:      config.ClassName(int(out.classes[i])),
			Confidence: out.scores[i],
			Box:        r,
		})
	}
	return nn.NonMaxSuppression(dets, params.NmsIouThreshold, params.MaxDetections)
}
