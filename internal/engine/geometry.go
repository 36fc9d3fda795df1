// Package engine implements the identity resolution pipeline: duplicate
// suppression within a capture, burst grouping across captures, ensemble
// similarity matching against the registry, and reprocessing.
package engine

import "math"

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	// Calculate intersection.
	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	// Calculate union.
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// ValidBBox reports whether a bounding box is well-formed: four finite
// coordinates with positive area and non-negative origin. Degenerate boxes
// are excluded from matching, not fatal to the batch.
func ValidBBox(bbox []float64) bool {
	if len(bbox) != 4 {
		return false
	}
	for _, v := range bbox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if bbox[0] < 0 || bbox[1] < 0 {
		return false
	}
	return bbox[2] > bbox[0] && bbox[3] > bbox[1]
}
