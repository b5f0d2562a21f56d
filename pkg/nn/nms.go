package nn

import (
	"sort"

	"github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
)

// NonMaxSuppression runs greedy NMS over 'input'.
// Candidates are visited in order of decreasing confidence (ties keep their input order), and
// every remaining candidate whose IoU with a kept box exceeds iouThreshold is discarded.
// Classes are not considered. The result is sorted by decreasing confidence.
func NonMaxSuppression(input []ObjectDetection, iouThreshold float32) []ObjectDetection {
	if len(input) == 0 {
		return []ObjectDetection{}
	}

	sorted := make([]ObjectDetection, len(input))
	copy(sorted, input)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	// Create spatial index to avoid O(N^2) comparisons.
	// Boxes are rounded outwards, so the index returns a superset of the true overlaps.
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(sorted))
	for _, d := range sorted {
		x1, y1, x2, y2 := outerInt(d.Box)
		fb.Add(x1, y1, x2, y2)
	}
	fb.Finish()

	suppressed := make([]bool, len(sorted))
	kept := make([]ObjectDetection, 0, len(sorted))
	nearby := []int{}
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		keep := sorted[i]
		kept = append(kept, keep)
		x1, y1, x2, y2 := outerInt(keep.Box)
		nearby = fb.SearchFast(x1, y1, x2, y2, nearby)
		for _, j := range nearby {
			if j <= i || suppressed[j] {
				continue
			}
			if keep.Box.IOU(sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func outerInt(b Box) (x1, y1, x2, y2 int32) {
	return int32(math32.Floor(b.X1)), int32(math32.Floor(b.Y1)), int32(math32.Ceil(b.X2)), int32(math32.Ceil(b.Y2))
}
