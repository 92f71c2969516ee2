package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/cyclopcam/teachable/pkg/imagex"
	"github.com/cyclopcam/teachable/pkg/nn"
)

// A file of a training batch that could not be added
type SkippedFile struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
	err   error
}

func (f SkippedFile) Err() error {
	return f.err
}

type BatchResult struct {
	Label   string        `json:"label"`
	Added   int           `json:"added"`
	Skipped []SkippedFile `json:"skipped"`

	// Generic labels of each file, in file order. An entry is nil if the file
	// was skipped, or if no image classifier is loaded.
	Predictions [][]nn.ClassPrediction `json:"predictions"`
}

type batchSlot struct {
	embedding   []float32
	predictions []nn.ClassPrediction
	err         error
}

// RegisterTrainingBatch decodes and embeds every file, and adds the embeddings
// under label, in the order of files.
// A file that fails to decode or embed is skipped, and reported in the result.
// The session is in the loading state until every file has settled.
func (s *Session) RegisterTrainingBatch(ctx context.Context, files []Image, label string) (*BatchResult, error) {
	s.Touch()
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}
	label, err := cleanLabel(label)
	if err != nil {
		return nil, err
	}
	if s.extractor == nil {
		return nil, ErrModelUnavailable
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	s.stateLock.Lock()
	s.previews = names
	s.predictions = make([][]nn.ClassPrediction, len(files))
	s.label = label
	s.stateLock.Unlock()

	defer s.beginLoading()()

	// Each goroutine writes only to its own slot
	slots := make([]batchSlot, len(files))
	wg := sync.WaitGroup{}
	for i := range files {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slots[i] = s.embedFile(ctx, files[i])
		}(i)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &BatchResult{
		Label:       label,
		Skipped:     []SkippedFile{},
		Predictions: make([][]nn.ClassPrediction, len(files)),
	}
	rows := make([][]float32, 0, len(files))
	for i, slot := range slots {
		if slot.err != nil {
			s.Log.Warnf("Session %v: skipping training file %v '%v': %v", s.ID, i, files[i].Name, slot.err)
			result.Skipped = append(result.Skipped, SkippedFile{
				Index: i,
				Name:  files[i].Name,
				Error: slot.err.Error(),
				err:   slot.err,
			})
			continue
		}
		rows = append(rows, slot.embedding)
		result.Predictions[i] = slot.predictions
	}
	if err := s.classifier.Store.AddAll(label, rows); err != nil {
		return nil, fmt.Errorf("Error adding examples: %w", err)
	}
	result.Added = len(rows)

	s.stateLock.Lock()
	// A newer batch may have replaced the previews while we were running
	if slices.Equal(s.previews, names) {
		s.predictions = result.Predictions
	}
	s.stateLock.Unlock()

	s.Log.Infof("Session %v: added %v examples to '%v' (%v skipped)", s.ID, result.Added, label, len(result.Skipped))
	return result, nil
}

func (s *Session) embedFile(ctx context.Context, file Image) batchSlot {
	if err := s.embedSem.Acquire(ctx, 1); err != nil {
		return batchSlot{err: err}
	}
	defer s.embedSem.Release(1)

	img, err := imagex.Decode(file.Name, file.Data, s.opt.MaxImagePixels)
	if err != nil {
		return batchSlot{err: err}
	}
	emb, err := s.embed(ctx, img)
	if err != nil {
		return batchSlot{err: err}
	}
	return batchSlot{
		embedding:   emb,
		predictions: s.classifyGeneric(ctx, file.Name, img),
	}
}
