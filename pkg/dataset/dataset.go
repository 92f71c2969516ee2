// Package dataset holds labeled embeddings for a nearest-neighbour classifier.
package dataset

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var ErrEmpty = errors.New("Dataset is empty")
var ErrEmptyLabel = errors.New("Label may not be empty")

// ParseError is returned when a dataset file is not JSON, or is not one of the known layouts
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Invalid dataset file: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ShapeError is returned when the width or length of embeddings is inconsistent
type ShapeError struct {
	Label  string // Empty if the error is not specific to a label
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Label == "" {
		return "Invalid dataset shape: " + e.Reason
	}
	return fmt.Sprintf("Invalid dataset shape for label '%v': %v", e.Label, e.Reason)
}

// Matrix is a row-major 2D array of embeddings
type Matrix struct {
	Width int
	Data  []float32 // len(Data) == Rows() * Width
}

func (m *Matrix) Rows() int {
	if m.Width == 0 {
		return 0
	}
	return len(m.Data) / m.Width
}

// Row returns a slice into the matrix (not a copy)
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Width : (i+1)*m.Width]
}

// Dataset maps label to the embeddings of its examples.
// Every label has at least one row, and all labels share the same Width.
type Dataset struct {
	Width  int
	Labels map[string]*Matrix
}

func NewDataset() *Dataset {
	return &Dataset{
		Labels: map[string]*Matrix{},
	}
}

// Clone returns a deep copy
func (d *Dataset) Clone() *Dataset {
	c := &Dataset{
		Width:  d.Width,
		Labels: make(map[string]*Matrix, len(d.Labels)),
	}
	for label, m := range d.Labels {
		c.Labels[label] = &Matrix{
			Width: m.Width,
			Data:  slices.Clone(m.Data),
		}
	}
	return c
}

// Equal returns true if both datasets hold exactly the same labels and rows
func (d *Dataset) Equal(b *Dataset) bool {
	if len(d.Labels) != len(b.Labels) {
		return false
	}
	if len(d.Labels) != 0 && d.Width != b.Width {
		return false
	}
	for label, m := range d.Labels {
		bm, ok := b.Labels[label]
		if !ok || m.Width != bm.Width || !slices.Equal(m.Data, bm.Data) {
			return false
		}
	}
	return true
}

// NumExamples returns the total number of rows across all labels
func (d *Dataset) NumExamples() int {
	n := 0
	for _, m := range d.Labels {
		n += m.Rows()
	}
	return n
}

func (d *Dataset) SortedLabels() []string {
	labels := make([]string, 0, len(d.Labels))
	for label := range d.Labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// FromFlat builds a dataset from the concatenated rows of each label.
// Labels with no values are dropped.
func FromFlat(flat map[string][]float32, width int) (*Dataset, error) {
	if width <= 0 {
		return nil, &ShapeError{Reason: fmt.Sprintf("Width must be positive, but is %v", width)}
	}
	ds := NewDataset()
	for label, values := range flat {
		if strings.TrimSpace(label) == "" {
			return nil, ErrEmptyLabel
		}
		if len(values)%width != 0 {
			return nil, &ShapeError{Label: label, Reason: fmt.Sprintf("%v values is not a multiple of width %v", len(values), width)}
		}
		if len(values) == 0 {
			continue
		}
		ds.Labels[label] = &Matrix{
			Width: width,
			Data:  slices.Clone(values),
		}
	}
	if len(ds.Labels) != 0 {
		ds.Width = width
	}
	return ds, nil
}

// Prediction is the result of a nearest-neighbour query.
// Confidences contains every label of the dataset, and sums to 1.
type Prediction struct {
	Label       string             `json:"label"`
	Confidences map[string]float32 `json:"confidences"`
}

// Searcher finds the most likely label for an embedding.
// The dataset is guaranteed to be non-empty, and query has the dataset's width.
type Searcher interface {
	Search(ds *Dataset, query []float32) (Prediction, error)
}
