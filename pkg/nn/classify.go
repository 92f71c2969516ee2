package nn

import (
	"cmp"
	"slices"

	"github.com/chewxy/math32"
)

const DefaultTopK = 3

// Softmax converts logits into probabilities, in place
func Softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	hi := slices.Max(v)
	sum := float32(0)
	for i := range v {
		v[i] = math32.Exp(v[i] - hi)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}

// TopK returns the k most probable classes of probs, most probable first.
// Equal probabilities are ordered by class index.
func TopK(config *ModelConfig, probs []float32, k int) []ClassPrediction {
	if k <= 0 {
		k = DefaultTopK
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})
	k = min(k, len(idx))
	out := make([]ClassPrediction, k)
	for i := 0; i < k; i++ {
		out[i] = ClassPrediction{
			ClassName:   config.ClassName(idx[i]),
			Probability: probs[idx[i]],
		}
	}
	return out
}
