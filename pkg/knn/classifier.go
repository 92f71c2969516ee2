package knn

import (
	"context"

	"github.com/cyclopcam/teachable/pkg/dataset"
)

// Classifier is the nearest-neighbour contract used by a session:
// add labeled embeddings, count classes, and predict.
type Classifier struct {
	Store *dataset.Store
}

// NewClassifier creates an empty classifier that searches with k neighbours
func NewClassifier(k int) *Classifier {
	return &Classifier{
		Store: dataset.NewStore(Searcher{K: k}),
	}
}

func (c *Classifier) AddExample(embedding []float32, label string) error {
	return c.Store.Add(label, embedding)
}

func (c *Classifier) ClassCount() int {
	return c.Store.ClassCount()
}

// Predict returns the most likely label for embedding.
// Returns dataset.ErrEmpty if there are no examples.
func (c *Classifier) Predict(ctx context.Context, embedding []float32) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	return c.Store.NearestLabel(embedding)
}
