package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network implementation (ONNX Runtime), so that you can just call one function to
// load a model, and not need to know about the implementation details.

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/onnx"
)

const DefaultFeatureExtractor = "mobilenet_v1_1.0_224"
const DefaultImageClassifier = "mobilenet_v1_1.0_224_imagenet"

// SSD backbone variants
const (
	VariantLiteMobileNetV2 = "lite_mobilenet_v2"
	VariantMobileNetV1     = "mobilenet_v1"
	VariantMobileNetV2     = "mobilenet_v2"
)

const DefaultDetectorVariant = VariantLiteMobileNetV2

var DetectorVariants = []string{VariantLiteMobileNetV2, VariantMobileNetV1, VariantMobileNetV2}

// Options shared by all model loaders
type Options struct {
	ModelDir      string // eg /var/lib/teachable/models
	BaseURL       string // If not empty, missing model files are downloaded from here
	SharedLibrary string // Path to onnxruntime.so. Empty means the platform default.
}

type DetectorConfig struct {
	BackboneVariant string // One of DetectorVariants. Empty means DefaultDetectorVariant.
}

// ModelLoadError is returned when a model cannot be downloaded or initialized
type ModelLoadError struct {
	Model string
	Err   error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("Failed to load model '%v': %v", e.Model, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

func downloadFile(srcUrl, targetFile string) (err error) {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tempFile)
		}
	}()
	_, err = io.Copy(file, resp.Body)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tempFile, targetFile)
}

// If the model files are not yet on disk, then download them now.
// Returns immediately if the files are already downloaded.
// With an empty BaseURL, a missing file is an error.
func DownloadModel(log logs.Log, opt Options, modelName string) error {
	for _, ext := range []string{".json", ".onnx"} {
		diskPath := filepath.Join(opt.ModelDir, modelName+ext)
		_, err := os.Stat(diskPath)
		if err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return err
		}
		if opt.BaseURL == "" {
			return fmt.Errorf("Model file %v not found, and no download URL is configured", diskPath)
		}
		networkUrl := opt.BaseURL + "/" + modelName + ext
		log.Infof("Downloading %v to %v", networkUrl, diskPath)
		if err := downloadFile(networkUrl, diskPath); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig(log logs.Log, opt Options, modelName string) (*nn.ModelConfig, string, error) {
	if err := DownloadModel(log, opt, modelName); err != nil {
		return nil, "", fmt.Errorf("Download failed: %w", err)
	}
	base := filepath.Join(opt.ModelDir, modelName)
	config, err := nn.LoadModelConfig(base + ".json")
	if err != nil {
		return nil, "", err
	}
	if config.Name == "" {
		config.Name = modelName
	}
	return config, base + ".onnx", nil
}

// LoadFeatureExtractor loads an image embedding model, eg "mobilenet_v1_1.0_224".
// Errors are of type *ModelLoadError.
func LoadFeatureExtractor(log logs.Log, opt Options, modelName string) (nn.FeatureExtractor, error) {
	if modelName == "" {
		modelName = DefaultFeatureExtractor
	}
	config, onnxFile, err := loadConfig(log, opt, modelName)
	if err != nil {
		return nil, &ModelLoadError{Model: modelName, Err: err}
	}
	e, err := onnx.NewEmbedder(onnxFile, config, opt.SharedLibrary)
	if err != nil {
		return nil, &ModelLoadError{Model: modelName, Err: err}
	}
	log.Infof("Loaded feature extractor %v (%v x %v -> %v)", modelName, config.Width, config.Height, config.EmbeddingWidth)
	return e, nil
}

// LoadImageClassifier loads a generic (ImageNet) classifier, eg "mobilenet_v1_1.0_224_imagenet".
// Errors are of type *ModelLoadError.
func LoadImageClassifier(log logs.Log, opt Options, modelName string) (nn.ImageClassifier, error) {
	if modelName == "" {
		modelName = DefaultImageClassifier
	}
	config, onnxFile, err := loadConfig(log, opt, modelName)
	if err != nil {
		return nil, &ModelLoadError{Model: modelName, Err: err}
	}
	c, err := onnx.NewClassifier(onnxFile, config, opt.SharedLibrary)
	if err != nil {
		return nil, &ModelLoadError{Model: modelName, Err: err}
	}
	log.Infof("Loaded image classifier %v (%v classes)", modelName, len(config.Classes))
	return c, nil
}

// DetectorModelName returns the file name stub of an SSD variant, eg "ssd_lite_mobilenet_v2"
func DetectorModelName(variant string) (string, error) {
	if variant == "" {
		variant = DefaultDetectorVariant
	}
	for _, v := range DetectorVariants {
		if v == variant {
			return "ssd_" + variant, nil
		}
	}
	return "", fmt.Errorf("Unknown detector variant '%v'. Valid variants are %v", variant, DetectorVariants)
}

// LoadDetector loads a COCO SSD object detector.
// Errors are of type *ModelLoadError.
func LoadDetector(log logs.Log, opt Options, dc DetectorConfig) (nn.ObjectDetector, error) {
	modelName, err := DetectorModelName(dc.BackboneVariant)
	if err != nil {
		return nil, &ModelLoadError{Model: dc.BackboneVariant, Err: err}
	}
	config, onnxFile, err := loadConfig(log, opt, modelName)
	if err != nil {
		return nil, &ModelLoadError{Model: modelName, Err: err}
	}
	d, err := onnx.NewSSDDetector(onnxFile, config, opt.SharedLibrary)
	if err != nil {
		return nil, &ModelLoadError{Model: modelName, Err: err}
	}
	log.Infof("Loaded object detector %v (%v x %v)", modelName, config.Width, config.Height)
	return d, nil
}
