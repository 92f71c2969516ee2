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

// Classifier is an nn.ImageClassifier backed by an ONNX MobileNet with its ImageNet head.
// The input is the same as Embedder's. The output is [1, ClassOffset + len(Classes)],
// either probabilities or (if config.Softmax) logits.
type Classifier struct {
	config     nn.ModelConfig
	numOutputs int

	lock    sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	envHeld bool
}

func NewClassifier(modelFile string, config *nn.ModelConfig, sharedLibrary string) (*Classifier, error) {
	if config.Width <= 0 || config.Height <= 0 || len(config.Classes) == 0 {
		return nil, fmt.Errorf("Invalid classifier config: width %v, height %v, %v classes", config.Width, config.Height, len(config.Classes))
	}
	if len(config.Inputs) != 1 || len(config.Outputs) != 1 {
		return nil, fmt.Errorf("Classifier needs exactly 1 input and 1 output, but config has %v and %v", len(config.Inputs), len(config.Outputs))
	}
	if err := acquireEnv(sharedLibrary); err != nil {
		return nil, err
	}

	c := &Classifier{
		config:     *config,
		numOutputs: config.ClassOffset + len(config.Classes),
		envHeld:    true,
	}
	var err error
	c.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(config.Height), int64(config.Width), 3))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}
	c.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(c.numOutputs)))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("Failed to create output tensor: %w", err)
	}
	c.session, err = ort.NewAdvancedSession(modelFile,
		config.Inputs, config.Outputs,
		[]ort.ArbitraryTensor{c.input}, []ort.ArbitraryTensor{c.output},
		nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("Failed to create ONNX session for %v: %w", modelFile, err)
	}
	return c, nil
}

func (c *Classifier) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	if c.input != nil {
		c.input.Destroy()
		c.input = nil
	}
	if c.output != nil {
		c.output.Destroy()
		c.output = nil
	}
	if c.envHeld {
		releaseEnv()
		c.envHeld = false
	}
}

func (c *Classifier) Config() *nn.ModelConfig {
	return &c.config
}

func (c *Classifier) Classify(ctx context.Context, img image.Image, topK int) ([]nn.ClassPrediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels := imagex.ToFloatNHWC(img, c.config.Width, c.config.Height)

	c.lock.Lock()
	if c.session == nil {
		c.lock.Unlock()
		return nil, fmt.Errorf("Classifier is closed")
	}
	copy(c.input.GetData(), pixels)
	if err := c.session.Run(); err != nil {
		c.lock.Unlock()
		return nil, fmt.Errorf("Inference failed: %w", err)
	}
	raw := slices.Clone(c.output.GetData())
	c.lock.Unlock()

	return decodeClassifier(&c.config, raw, topK), nil
}

// Turn raw model outputs into the top-k predictions
func decodeClassifier(config *nn.ModelConfig, raw []float32, topK int) []nn.ClassPrediction {
	if config.Softmax {
		nn.Softmax(raw)
	}
	// Drop the background outputs, so that indices line up with config.Classes
	probs := raw[min(config.ClassOffset, len(raw)):]
	names := *config
	names.ClassOffset = 0
	return nn.TopK(&names, probs, topK)
}
