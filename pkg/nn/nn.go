package nn

import (
	"context"
	"encoding/json"
	"image"
	"os"
)

// Package nn is the neural network interface layer.
// To load a concrete model, use the nnload package.

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45
const DefaultMaxDetections = 20

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	MaxDetections        int     // Maximum number of objects returned. Zero value will use the default.
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		MaxDetections:        DefaultMaxDetections,
	}
}

// WithDefaults returns a copy of p where zero values are replaced by defaults.
// p may be nil.
func (p *DetectionParams) WithDefaults() DetectionParams {
	r := *NewDetectionParams()
	if p == nil {
		return r
	}
	if p.ProbabilityThreshold > 0 {
		r.ProbabilityThreshold = p.ProbabilityThreshold
	}
	if p.NmsIouThreshold > 0 {
		r.NmsIouThreshold = p.NmsIouThreshold
	}
	if p.MaxDetections > 0 {
		r.MaxDetections = p.MaxDetections
	}
	return r
}

// Detection is an object that a neural network has found in an image.
// Box is in the pixel coordinates of the source image.
type Detection struct {
	Class      string
	Confidence float32
	Box        Rect
}

type detectionJSON struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	BBox       [4]int  `json:"bbox"` // x, y, width, height
}

func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(detectionJSON{
		Class:      d.Class,
		Confidence: d.Confidence,
		BBox:       [4]int{d.Box.X, d.Box.Y, d.Box.Width, d.Box.Height},
	})
}

func (d *Detection) UnmarshalJSON(b []byte) error {
	j := detectionJSON{}
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	d.Class = j.Class
	d.Confidence = j.Confidence
	d.Box = Rect{X: j.BBox[0], Y: j.BBox[1], Width: j.BBox[2], Height: j.BBox[3]}
	return nil
}

// ObjectDetector is given an image, and returns zero or more detected objects
type ObjectDetector interface {
	// Close closes the detector (you MUST call this when finished, because it's a C++ object underneath)
	Close()

	// DetectObjects returns the objects detected in img.
	// On success, the returned slice is never nil.
	// You can create a default DetectionParams with NewDetectionParams(), or pass nil.
	DetectObjects(ctx context.Context, img image.Image, params *DetectionParams) ([]Detection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// FeatureExtractor turns an image into a fixed-width embedding vector
type FeatureExtractor interface {
	// Close releases the underlying model
	Close()

	// Embed returns an embedding of length Width()
	Embed(ctx context.Context, img image.Image) ([]float32, error)

	// Width is the length of every embedding produced by Embed
	Width() int

	// ModelID identifies the weights, eg "mobilenet_v1_1.0_224". It is stored in exported datasets.
	ModelID() string

	Config() *ModelConfig
}

// ClassPrediction is one of the top-k results of an ImageClassifier
type ClassPrediction struct {
	ClassName   string  `json:"className"`
	Probability float32 `json:"probability"`
}

// ImageClassifier labels a whole image with generic (eg ImageNet) classes
type ImageClassifier interface {
	Close()

	// Classify returns the topK most probable classes, most probable first
	Classify(ctx context.Context, img image.Image, topK int) ([]ClassPrediction, error)

	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Name           string   `json:"name"`                     // eg "mobilenet_v1_1.0_224". Defaults to the file name.
	Architecture   string   `json:"architecture"`             // eg "ssd" or "mobilenet"
	Width          int      `json:"width"`                    // NN input width, eg 300
	Height         int      `json:"height"`                   // NN input height, eg 300
	Classes        []string `json:"classes,omitempty"`        // eg ["person", "bicycle", "car", ...]. Empty means COCOClasses.
	Softmax        bool     `json:"softmax,omitempty"`        // Classifier outputs are logits, and need a softmax
	ClassOffset    int      `json:"classOffset,omitempty"`    // Subtracted from raw class outputs before indexing Classes (1 for TF object detection models)
	Inputs         []string `json:"inputs"`                   // Names of input tensors
	Outputs        []string `json:"outputs"`                  // Names of output tensors
	EmbeddingWidth int      `json:"embeddingWidth,omitempty"` // Output width of a feature extractor, eg 1024
	MaxDetections  int      `json:"maxDetections,omitempty"`  // Number of rows in a detector's output tensors, eg 100
}

// ClassName returns the name of raw class output 'raw', taking ClassOffset into account.
func (c *ModelConfig) ClassName(raw int) string {
	classes := c.Classes
	if len(classes) == 0 {
		classes = COCOClasses
	}
	i := raw - c.ClassOffset
	if i < 0 || i >= len(classes) {
		return "unknown"
	}
	return classes[i]
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, err
	}
	return config, nil
}
