package knn

import (
	"context"
	"testing"

	"github.com/cyclopcam/teachable/pkg/dataset"
	"github.com/stretchr/testify/require"
)

func requireSumsToOne(t *testing.T, p Prediction) {
	sum := float32(0)
	for _, c := range p.Confidences {
		sum += c
	}
	require.InDelta(t, 1.0, sum, 1e-6)
}

func TestCosineSimilarity(t *testing.T) {
	require.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{5, 0}), 1e-6)
	require.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 3}), 1e-6)
	require.InDelta(t, -1.0, CosineSimilarity([]float32{1, 1}, []float32{-2, -2}), 1e-6)
	require.Equal(t, float32(0), CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestPredict(t *testing.T) {
	c := NewClassifier(3)
	_, err := c.Predict(context.Background(), []float32{1, 0})
	require.ErrorIs(t, err, dataset.ErrEmpty)

	require.NoError(t, c.AddExample([]float32{1, 0}, "cat"))
	require.NoError(t, c.AddExample([]float32{0.9, 0.1}, "cat"))
	require.NoError(t, c.AddExample([]float32{0.95, 0.05}, "cat"))
	require.NoError(t, c.AddExample([]float32{0, 1}, "dog"))
	require.NoError(t, c.AddExample([]float32{0.1, 0.9}, "dog"))
	require.Equal(t, 2, c.ClassCount())

	p, err := c.Predict(context.Background(), []float32{1, 0.02})
	require.NoError(t, err)
	require.Equal(t, "cat", p.Label)
	require.InDelta(t, 1.0, p.Confidences["cat"], 1e-6)
	require.Equal(t, float32(0), p.Confidences["dog"])
	requireSumsToOne(t, p)

	p, err = c.Predict(context.Background(), []float32{0, 1})
	require.NoError(t, err)
	require.Equal(t, "dog", p.Label)
	require.InDelta(t, 2.0/3.0, p.Confidences["dog"], 1e-6)
	requireSumsToOne(t, p)
}

func TestFewerExamplesThanK(t *testing.T) {
	c := NewClassifier(3)
	require.NoError(t, c.AddExample([]float32{1, 0}, "a"))
	p, err := c.Predict(context.Background(), []float32{0, 1})
	require.NoError(t, err)
	require.Equal(t, "a", p.Label)
	require.Equal(t, float32(1), p.Confidences["a"])
}

func TestTieBreaking(t *testing.T) {
	// Two identical vectors under different labels, and K=2: each label gets one vote
	// with equal similarity, so the lexicographically first label wins.
	for i := 0; i < 20; i++ {
		c := NewClassifier(2)
		require.NoError(t, c.AddExample([]float32{1, 1}, "zebra"))
		require.NoError(t, c.AddExample([]float32{1, 1}, "apple"))
		p, err := c.Predict(context.Background(), []float32{1, 1})
		require.NoError(t, err)
		require.Equal(t, "apple", p.Label)
		require.Equal(t, float32(0.5), p.Confidences["apple"])
		requireSumsToOne(t, p)
	}

	// Equal votes, but one label has higher summed similarity
	c := NewClassifier(2)
	require.NoError(t, c.AddExample([]float32{1, 0}, "zebra"))
	require.NoError(t, c.AddExample([]float32{0.5, 1}, "apple"))
	p, err := c.Predict(context.Background(), []float32{1, 0.1})
	require.NoError(t, err)
	require.Equal(t, "zebra", p.Label)
}

func TestPredictHonoursContext(t *testing.T) {
	c := NewClassifier(3)
	require.NoError(t, c.AddExample([]float32{1, 0}, "a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Predict(ctx, []float32{1, 0})
	require.ErrorIs(t, err, context.Canceled)
}
