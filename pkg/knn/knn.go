// Package knn is a k-nearest-neighbour classifier over cosine similarity
package knn

import (
	"sort"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/teachable/pkg/dataset"
)

const DefaultK = 3

type Prediction = dataset.Prediction

// Searcher implements dataset.Searcher with cosine similarity and majority vote.
//
// Neighbours are ranked by similarity (descending), then label, then row index,
// so the result does not depend on map iteration order.
// The winning label has the most votes. Ties are broken by the summed similarity
// of the voting neighbours, and then by label.
type Searcher struct {
	K int // Zero means DefaultK
}

type neighbour struct {
	label      string
	row        int
	similarity float32
}

func norm(v []float32) float32 {
	sum := float32(0)
	for _, x := range v {
		sum += x * x
	}
	return math32.Sqrt(sum)
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 if either is a zero vector
func CosineSimilarity(a, b []float32) float32 {
	na := norm(a)
	nb := norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	dot := float32(0)
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot / (na * nb)
}

func (s Searcher) Search(ds *dataset.Dataset, query []float32) (Prediction, error) {
	k := s.K
	if k <= 0 {
		k = DefaultK
	}

	qnorm := norm(query)
	all := make([]neighbour, 0, ds.NumExamples())
	for label, m := range ds.Labels {
		for r := 0; r < m.Rows(); r++ {
			row := m.Row(r)
			sim := float32(0)
			if rn := norm(row); rn != 0 && qnorm != 0 {
				dot := float32(0)
				for i := range row {
					dot += row[i] * query[i]
				}
				sim = dot / (rn * qnorm)
			}
			all = append(all, neighbour{label: label, row: r, similarity: sim})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := &all[i], &all[j]
		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}
		if a.label != b.label {
			return a.label < b.label
		}
		return a.row < b.row
	})

	k = min(k, len(all))
	votes := map[string]int{}
	simSum := map[string]float32{}
	for _, n := range all[:k] {
		votes[n.label]++
		simSum[n.label] += n.similarity
	}

	pred := Prediction{
		Confidences: make(map[string]float32, len(ds.Labels)),
	}
	bestVotes := -1
	bestSim := float32(0)
	for _, label := range ds.SortedLabels() {
		v := votes[label]
		pred.Confidences[label] = float32(v) / float32(k)
		if v == 0 {
			continue
		}
		// Labels are visited in ascending order, so strict comparisons keep the lexicographically first on a full tie
		if v > bestVotes || (v == bestVotes && simSum[label] > bestSim) {
			bestVotes = v
			bestSim = simSum[label]
			pred.Label = label
		}
	}
	return pred, nil
}
