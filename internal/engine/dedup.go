package engine

import (
	"sort"

	"github.com/fdominguez1972/thumper-counter-sub003/internal/store"
)

// DedupResult carries one capture's duplicate-flag assignment.
type DedupResult struct {
	Kept       []int64        // observation ids kept as canonical detections
	Duplicates map[int64]bool // observation id -> duplicate flag for ALL inputs
	Invalid    []int64        // malformed boxes, flagged duplicate and reported
}

// SuppressDuplicates collapses near-duplicate detections of one physical
// animal within a single capture. Candidates are visited by descending
// detector confidence (stable order, so equal confidences keep insertion
// order); a candidate overlapping any already-kept box above iouThreshold
// is flagged duplicate. Malformed boxes are flagged duplicate and listed
// as invalid.
//
// The pairwise scan is deliberately O(n²) per capture; captures hold few
// detections and an approximate method could flip outcomes between runs.
// Running twice over the same input yields the identical assignment.
func SuppressDuplicates(observations []store.Observation, iouThreshold float64) DedupResult {
	result := DedupResult{
		Duplicates: make(map[int64]bool, len(observations)),
	}

	ordered := make([]store.Observation, len(observations))
	copy(ordered, observations)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})

	var keptBoxes [][]float64
	for i := range ordered {
		obs := &ordered[i]

		if !ValidBBox(obs.BBox) {
			result.Duplicates[obs.ID] = true
			result.Invalid = append(result.Invalid, obs.ID)
			continue
		}

		duplicate := false
		for _, kept := range keptBoxes {
			if ComputeIoU(obs.BBox, kept) > iouThreshold {
				duplicate = true
				break
			}
		}

		result.Duplicates[obs.ID] = duplicate
		if !duplicate {
			result.Kept = append(result.Kept, obs.ID)
			keptBoxes = append(keptBoxes, obs.BBox)
		}
	}

	return result
}
