package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/pkg/nnload"
	"github.com/cyclopcam/teachable/server/storage"
)

const DefaultFilename = "teachable.json"

type Models struct {
	Dir              string `json:"dir"`              // Directory holding <name>.onnx and <name>.json
	BaseURL          string `json:"baseURL"`          // If set, missing model files are downloaded from here
	SharedLibrary    string `json:"sharedLibrary"`    // Path to libonnxruntime.so. Empty means the system default.
	FeatureExtractor string `json:"featureExtractor"` // eg mobilenet_v1_1.0_224
	ImageClassifier  string `json:"imageClassifier"`  // eg mobilenet_v1_1.0_224_imagenet
	DetectorVariant  string `json:"detectorVariant"`  // lite_mobilenet_v2, mobilenet_v1, mobilenet_v2
}

type Session struct {
	IdleTimeoutSeconds  int `json:"idleTimeoutSeconds"`  // Sessions untouched for this long are closed
	MaxConcurrentEmbeds int `json:"maxConcurrentEmbeds"` // Per training batch
	ModelTimeoutSeconds int `json:"modelTimeoutSeconds"` // 0 = no deadline on model calls
	LiveFPS             int `json:"liveFPS"`
	MaxUploadMB         int `json:"maxUploadMB"`    // Per request
	MaxImagePixels      int `json:"maxImagePixels"` // Width x height of the largest image we will decode
	UploadsPerMinute    int `json:"uploadsPerMinute"`
}

type Config struct {
	Listen  string         `json:"listen"` // eg ":8090"
	DB      *dbh.DBConfig  `json:"db"`     // If nil, the snapshot library is disabled
	Storage storage.Config `json:"storage"`
	Models  Models         `json:"models"`
	Session Session        `json:"session"`
}

func (s *Session) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func (s *Session) ModelTimeout() time.Duration {
	return time.Duration(s.ModelTimeoutSeconds) * time.Second
}

// HasSnapshots is true if both halves of the snapshot library are configured
func (c *Config) HasSnapshots() bool {
	return c.DB != nil && (c.Storage.Filesystem != nil || c.Storage.GCS != nil)
}

// Fill in missing fields
func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.Models.Dir == "" {
		c.Models.Dir = "models"
	}
	if c.Models.FeatureExtractor == "" {
		c.Models.FeatureExtractor = nnload.DefaultFeatureExtractor
	}
	if c.Models.ImageClassifier == "" {
		c.Models.ImageClassifier = nnload.DefaultImageClassifier
	}
	if c.Models.DetectorVariant == "" {
		c.Models.DetectorVariant = nnload.DefaultDetectorVariant
	}
	if c.Session.IdleTimeoutSeconds <= 0 {
		c.Session.IdleTimeoutSeconds = 30 * 60
	}
	if c.Session.MaxConcurrentEmbeds <= 0 {
		c.Session.MaxConcurrentEmbeds = 4
	}
	if c.Session.LiveFPS <= 0 {
		c.Session.LiveFPS = 30
	}
	if c.Session.MaxUploadMB <= 0 {
		c.Session.MaxUploadMB = 64
	}
	if c.Session.MaxImagePixels <= 0 {
		c.Session.MaxImagePixels = imagex.DefaultMaxPixels
	}
	if c.Session.UploadsPerMinute <= 0 {
		c.Session.UploadsPerMinute = 120
	}
}

func (c *Config) Validate() error {
	if _, err := nnload.DetectorModelName(c.Models.DetectorVariant); err != nil {
		return err
	}
	if c.DB != nil && c.Storage.Filesystem == nil && c.Storage.GCS == nil {
		return fmt.Errorf("The snapshot DB is configured, so one of the storage options must be configured (i.e. either 'filesystem' or 'gcs')")
	}
	if c.Session.ModelTimeoutSeconds < 0 {
		return fmt.Errorf("modelTimeoutSeconds may not be negative")
	}
	return nil
}

// LoadConfig reads filename. A missing file yields the defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	cfg := &Config{}
	raw, err := os.ReadFile(filename)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	} else if err == nil {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", filename, err)
		}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
