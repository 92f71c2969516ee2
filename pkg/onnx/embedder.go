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

// Embedder is an nn.FeatureExtractor backed by an ONNX image model (eg MobileNet with the classifier head removed).
// The model input is NHWC float32 in [-1, 1], and the output is [1, EmbeddingWidth].
type Embedder struct {
	config nn.ModelConfig

	// The tensors are bound to the session, so only one Run() at a time
	lock    sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	envHeld bool
}

func NewEmbedder(modelFile string, config *nn.ModelConfig, sharedLibrary string) (*Embedder, error) {
	if config.Width <= 0 || config.Height <= 0 || config.EmbeddingWidth <= 0 {
		return nil, fmt.Errorf("Invalid embedder config: width %v, height %v, embeddingWidth %v", config.Width, config.Height, config.EmbeddingWidth)
	}
	if len(config.Inputs) != 1 || len(config.Outputs) != 1 {
		return nil, fmt.Errorf("Embedder needs exactly 1 input and 1 output, but config has %v and %v", len(config.Inputs), len(config.Outputs))
	}
	if err := acquireEnv(sharedLibrary); err != nil {
		return nil, err
	}

	e := &Embedder{
		config:  *config,
		envHeld: true,
	}
	var err error
	e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(config.Height), int64(config.Width), 3))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}
	e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(config.EmbeddingWidth)))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("Failed to create output tensor: %w", err)
	}
	e.session, err = ort.NewAdvancedSession(modelFile,
		config.Inputs, config.Outputs,
		[]ort.ArbitraryTensor{e.input}, []ort.ArbitraryTensor{e.output},
		nil)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("Failed to create ONNX session for %v: %w", modelFile, err)
	}
	return e, nil
}

func (e *Embedder) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	if e.envHeld {
		releaseEnv()
		e.envHeld = false
	}
}

func (e *Embedder) Width() int {
	return e.config.EmbeddingWidth
}

func (e *Embedder) ModelID() string {
	return e.config.Name
}

func (e *Embedder) Config() *nn.ModelConfig {
	return &e.config
}

func (e *Embedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pixels := imagex.ToFloatNHWC(img, e.config.Width, e.config.Height)

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.session == nil {
		return nil, fmt.Errorf("Embedder is closed")
	}
	copy(e.input.GetData(), pixels)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("Inference failed: %w", err)
	}
	return slices.Clone(e.output.GetData()), nil
}
