package dataset

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Store is a thread-safe, growable Dataset, with nearest-label queries
// delegated to a Searcher.
type Store struct {
	searcher Searcher

	lock sync.RWMutex
	ds   *Dataset
}

func NewStore(searcher Searcher) *Store {
	return &Store{
		searcher: searcher,
		ds:       NewDataset(),
	}
}

func (s *Store) validateRow(label string, embedding []float32, width int) error {
	if strings.TrimSpace(label) == "" {
		return ErrEmptyLabel
	}
	if len(embedding) == 0 {
		return &ShapeError{Label: label, Reason: "Embedding is empty"}
	}
	if width != 0 && len(embedding) != width {
		return &ShapeError{Label: label, Reason: fmt.Sprintf("Embedding has width %v, but dataset width is %v", len(embedding), width)}
	}
	return nil
}

// Add appends one example under label. The first example fixes the width of the store.
func (s *Store) Add(label string, embedding []float32) error {
	return s.AddAll(label, [][]float32{embedding})
}

// AddAll appends rows under label, in order. Either all rows are added, or none.
func (s *Store) AddAll(label string, rows [][]float32) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	width := s.ds.Width
	for _, row := range rows {
		if err := s.validateRow(label, row, width); err != nil {
			return err
		}
		width = len(row)
	}
	if len(rows) == 0 {
		return nil
	}

	m := s.ds.Labels[label]
	if m == nil {
		m = &Matrix{Width: width}
		s.ds.Labels[label] = m
	}
	for _, row := range rows {
		m.Data = append(m.Data, row...)
	}
	s.ds.Width = width
	return nil
}

// ExportAll returns a copy of the concatenated rows of every label
func (s *Store) ExportAll() map[string][]float32 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	flat := make(map[string][]float32, len(s.ds.Labels))
	for label, m := range s.ds.Labels {
		flat[label] = slices.Clone(m.Data)
	}
	return flat
}

// ImportAll replaces the contents of the store.
// If any label is invalid, the store is left unchanged.
func (s *Store) ImportAll(flat map[string][]float32, width int) error {
	ds, err := FromFlat(flat, width)
	if err != nil {
		return err
	}
	s.Replace(ds)
	return nil
}

// NearestLabel returns the searcher's prediction for embedding
func (s *Store) NearestLabel(embedding []float32) (Prediction, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if len(s.ds.Labels) == 0 {
		return Prediction{}, ErrEmpty
	}
	if len(embedding) != s.ds.Width {
		return Prediction{}, &ShapeError{Reason: fmt.Sprintf("Query has width %v, but dataset width is %v", len(embedding), s.ds.Width)}
	}
	return s.searcher.Search(s.ds, embedding)
}

// ClassCount returns the number of distinct labels
func (s *Store) ClassCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.ds.Labels)
}

// Labels returns the sorted list of labels
func (s *Store) Labels() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.ds.SortedLabels()
}

// Counts returns the number of examples per label
func (s *Store) Counts() map[string]int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	counts := make(map[string]int, len(s.ds.Labels))
	for label, m := range s.ds.Labels {
		counts[label] = m.Rows()
	}
	return counts
}

// Width returns the embedding width, or zero if the store is empty
func (s *Store) Width() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.ds.Width
}

// Snapshot returns a deep copy of the dataset
func (s *Store) Snapshot() *Dataset {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.ds.Clone()
}

// Replace swaps the dataset wholesale. The store takes ownership of ds.
func (s *Store) Replace(ds *Dataset) {
	if ds.Labels == nil {
		ds.Labels = map[string]*Matrix{}
	}
	if len(ds.Labels) == 0 {
		ds.Width = 0
	}
	s.lock.Lock()
	s.ds = ds
	s.lock.Unlock()
}

func (s *Store) Clear() {
	s.Replace(NewDataset())
}
