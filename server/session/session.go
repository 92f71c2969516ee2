// Package session sequences a user's actions (training uploads, classification,
// detection, dataset export/import and live video) into calls against the models
// and a per-session example store.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/teachable/pkg/dataset"
	"github.com/cyclopcam/teachable/pkg/knn"
	"github.com/cyclopcam/teachable/pkg/nn"
	"github.com/cyclopcam/teachable/pkg/perfstats"
	"golang.org/x/sync/semaphore"
)

var ErrModelUnavailable = errors.New("Model is not available")
var ErrEmptyBatch = errors.New("No images in training batch")
var ErrEmptyLabel = dataset.ErrEmptyLabel

const DefaultMaxConcurrentEmbeds = 4
const DefaultLiveFPS = 30

// The models that a session talks to. Any model may be nil, if it failed to load.
type Collaborators struct {
	Extractor       nn.FeatureExtractor
	ImageClassifier nn.ImageClassifier // Generic labels for training images. Optional.
	Detector        nn.ObjectDetector
	Searcher        dataset.Searcher // nil means knn.Searcher with the default K
}

type Options struct {
	MaxConcurrentEmbeds int                   // Zero means DefaultMaxConcurrentEmbeds
	ModelTimeout        time.Duration         // Deadline for a single model call. Zero means no deadline.
	LiveFPS             float64               // Zero means DefaultLiveFPS
	DetectionParams     *nn.DetectionParams   // nil means nn defaults
	Stats               *perfstats.ModelStats // If not nil, successful model calls are timed here
	MaxImagePixels      int                   // Larger training images are skipped. Zero means imagex.DefaultMaxPixels.
	TopK                int                   // Number of generic predictions per training image. Zero means nn.DefaultTopK.
}

// Image is an uploaded, still-encoded file
type Image struct {
	Name string
	Data []byte
}

// State is what the UI shows about a session
type State struct {
	Loading     bool                   `json:"loading"`
	Previews    []string               `json:"previews"`
	Predictions [][]nn.ClassPrediction `json:"predictions"` // Generic labels of each preview. nil entries are unknown.
	Label       string                 `json:"label"`
	Counts      map[string]int         `json:"counts"`
}

type Session struct {
	ID  string
	Log logs.Log

	extractor  nn.FeatureExtractor
	imageClass nn.ImageClassifier
	detector   nn.ObjectDetector
	classifier *knn.Classifier
	opt        Options
	embedSem   *semaphore.Weighted
	lastUsed   atomic.Int64 // unix nanoseconds

	stateLock   sync.Mutex
	loading     int // Number of outstanding batches and imports
	previews    []string
	predictions [][]nn.ClassPrediction
	label       string

	liveLock sync.Mutex
	live     *LiveLoop
}

func New(log logs.Log, id string, c Collaborators, opt Options) *Session {
	if opt.MaxConcurrentEmbeds <= 0 {
		opt.MaxConcurrentEmbeds = DefaultMaxConcurrentEmbeds
	}
	if opt.LiveFPS <= 0 {
		opt.LiveFPS = DefaultLiveFPS
	}
	if opt.TopK <= 0 {
		opt.TopK = nn.DefaultTopK
	}
	searcher := c.Searcher
	if searcher == nil {
		searcher = knn.Searcher{K: knn.DefaultK}
	}
	s := &Session{
		ID:          id,
		Log:         log,
		extractor:   c.Extractor,
		imageClass:  c.ImageClassifier,
		detector:    c.Detector,
		classifier:  &knn.Classifier{Store: dataset.NewStore(searcher)},
		opt:         opt,
		embedSem:    semaphore.NewWeighted(int64(opt.MaxConcurrentEmbeds)),
		previews:    []string{},
		predictions: [][]nn.ClassPrediction{},
	}
	s.Touch()
	return s
}

// Touch marks the session as recently used
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed returns the time of the most recent Touch
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Close stops any live detection. The dataset is discarded with the session.
func (s *Session) Close() {
	s.StopLiveDetection()
}

func (s *Session) State() State {
	s.stateLock.Lock()
	st := State{
		Loading:     s.loading > 0,
		Previews:    slices.Clone(s.previews),
		Predictions: slices.Clone(s.predictions),
		Label:       s.label,
	}
	s.stateLock.Unlock()
	st.Counts = s.classifier.Store.Counts()
	return st
}

func (s *Session) IsLoading() bool {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.loading > 0
}

// beginLoading increments the loading counter. The returned function decrements it.
func (s *Session) beginLoading() func() {
	s.stateLock.Lock()
	s.loading++
	s.stateLock.Unlock()
	return func() {
		s.stateLock.Lock()
		s.loading--
		s.stateLock.Unlock()
	}
}

// ClassCount returns the number of labels that have at least one example
func (s *Session) ClassCount() int {
	return s.classifier.ClassCount()
}

// Width returns the embedding width of the feature extractor, or zero if it is not loaded
func (s *Session) Width() int {
	if s.extractor == nil {
		return 0
	}
	return s.extractor.Width()
}

// Run f with the model timeout. If the deadline expires first, return
// context.DeadlineExceeded, even if f does not honour ctx.
func withTimeout[T any](ctx context.Context, timeout time.Duration, f func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return f(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := f(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Session) embed(ctx context.Context, img image.Image) ([]float32, error) {
	start := time.Now()
	emb, err := withTimeout(ctx, s.opt.ModelTimeout, func(ctx context.Context) ([]float32, error) {
		return s.extractor.Embed(ctx, img)
	})
	if err != nil {
		return nil, err
	}
	if len(emb) != s.extractor.Width() {
		return nil, &dataset.ShapeError{Reason: fmt.Sprintf("Extractor produced width %v, but declares width %v", len(emb), s.extractor.Width())}
	}
	if s.opt.Stats != nil {
		s.opt.Stats.Embed.AddSince(start)
	}
	return emb, nil
}

// Generic labels for img, or nil if there is no image classifier, or it fails
func (s *Session) classifyGeneric(ctx context.Context, name string, img image.Image) []nn.ClassPrediction {
	if s.imageClass == nil {
		return nil
	}
	start := time.Now()
	preds, err := withTimeout(ctx, s.opt.ModelTimeout, func(ctx context.Context) ([]nn.ClassPrediction, error) {
		return s.imageClass.Classify(ctx, img, s.opt.TopK)
	})
	if err != nil {
		s.Log.Warnf("Session %v: generic classification of '%v' failed: %v", s.ID, name, err)
		return nil
	}
	if s.opt.Stats != nil {
		s.opt.Stats.Classify.AddSince(start)
	}
	return preds
}

// Classify returns the most likely label for img.
// If no examples have been added yet, returns (nil, nil) without running the extractor.
func (s *Session) Classify(ctx context.Context, img image.Image) (*knn.Prediction, error) {
	s.Touch()
	if s.classifier.ClassCount() == 0 {
		return nil, nil
	}
	if s.extractor == nil {
		return nil, ErrModelUnavailable
	}
	emb, err := s.embed(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("Error computing embedding: %w", err)
	}
	pred, err := s.classifier.Predict(ctx, emb)
	if errors.Is(err, dataset.ErrEmpty) {
		// Cleared by a concurrent import
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &pred, nil
}

// DetectObjects runs the object detector on img. On success the result is never nil.
func (s *Session) DetectObjects(ctx context.Context, img image.Image) ([]nn.Detection, error) {
	s.Touch()
	if s.detector == nil {
		return nil, ErrModelUnavailable
	}
	start := time.Now()
	dets, err := withTimeout(ctx, s.opt.ModelTimeout, func(ctx context.Context) ([]nn.Detection, error) {
		return s.detector.DetectObjects(ctx, img, s.opt.DetectionParams)
	})
	if err != nil {
		return nil, err
	}
	if s.opt.Stats != nil {
		s.opt.Stats.Detect.AddSince(start)
	}
	if dets == nil {
		dets = []nn.Detection{}
	}
	return dets, nil
}

// ModelID returns the ID of the feature extractor, or an empty string if it is not loaded
func (s *Session) ModelID() string {
	if s.extractor == nil {
		return ""
	}
	return s.extractor.ModelID()
}

// Dataset returns a copy of the session's examples
func (s *Session) Dataset() *dataset.Dataset {
	return s.classifier.Store.Snapshot()
}

// ExportDataset serializes all examples into the dataset file format
func (s *Session) ExportDataset() ([]byte, error) {
	s.Touch()
	return dataset.Encode(s.classifier.Store.Snapshot(), s.ModelID())
}

// ImportDataset replaces all examples with the contents of payload.
// legacyWidth is only needed for files from before the format was versioned,
// and defaults to the extractor's width.
// On error, the existing examples are left untouched.
func (s *Session) ImportDataset(payload []byte, legacyWidth int) error {
	s.Touch()
	defer s.beginLoading()()

	if legacyWidth <= 0 {
		legacyWidth = s.Width()
	}
	f, err := dataset.DecodeFile(payload, legacyWidth)
	if err != nil {
		return err
	}
	return s.replaceDataset(f.Dataset, f.ModelID)
}

// Swap in ds, provided its width matches the feature extractor
func (s *Session) replaceDataset(ds *dataset.Dataset, modelID string) error {
	if width := s.Width(); width != 0 && ds.Width != 0 && ds.Width != width {
		return &dataset.ShapeError{Reason: fmt.Sprintf("Dataset has width %v, but the feature extractor produces width %v", ds.Width, width)}
	}
	if modelID != "" && s.ModelID() != "" && modelID != s.ModelID() {
		s.Log.Warnf("Session %v: importing dataset made with model '%v' into model '%v'", s.ID, modelID, s.ModelID())
	}
	s.classifier.Store.Replace(ds)
	s.Log.Infof("Session %v: imported %v examples of %v labels", s.ID, ds.NumExamples(), len(ds.Labels))
	return nil
}

// ClearDataset removes all examples
func (s *Session) ClearDataset() {
	s.Touch()
	s.classifier.Store.Clear()
}

func cleanLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ErrEmptyLabel
	}
	return label, nil
}
