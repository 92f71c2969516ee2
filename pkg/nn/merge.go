package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NonMaxSuppression removes detections that overlap a more confident detection
// of the same class by at least minIoU.
// The result is sorted by descending confidence, and holds at most maxDetections
// items (zero means no limit). The input slice is not modified.
func NonMaxSuppression(input []Detection, minIoU float32, maxDetections int) []Detection {
	if len(input) == 0 {
		return []Detection{}
	}
	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, d := range input {
		fb.Add(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2()))
	}
	fb.Finish()

	nearby := []int{}
	deleted := make([]bool, len(input))
	retain := make([]Detection, 0, len(input))
	for _, i := range order {
		if deleted[i] {
			continue
		}
		in := input[i]
		retain = append(retain, in)
		if maxDetections > 0 && len(retain) == maxDetections {
			break
		}
		nearby = fb.SearchFast(int32(in.Box.X), int32(in.Box.Y), int32(in.Box.X2()), int32(in.Box.Y2()), nearby)
		for _, j := range nearby {
			if j == i || deleted[j] {
				continue
			}
			if input[j].Class != in.Class {
				continue
			}
			if input[j].Confidence > in.Confidence {
				// Already retained, or will be processed before us
				continue
			}
			if in.Box.IOU(input[j].Box) >= minIoU {
				deleted[j] = true
			}
		}
	}
	return retain
}
