package registry

import "math"

// CosineSimilarity computes the cosine similarity between two vectors,
// clamped to [-1, 1]. Returns -1 for invalid input so bad vectors can
// never win a match.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return -1
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}

	return similarity
}

// Normalize returns an L2-normalized copy of the vector. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// BlendEMA blends an existing vector with a new one using an exponential
// moving average and renormalizes: normalize((1-alpha)*old + alpha*cur).
func BlendEMA(old, cur []float32, alpha float64) []float32 {
	if len(old) != len(cur) || len(old) == 0 {
		return Normalize(cur)
	}
	blended := make([]float32, len(old))
	for i := range old {
		blended[i] = float32((1-alpha)*float64(old[i]) + alpha*float64(cur[i]))
	}
	return Normalize(blended)
}

// MeanVector averages two vectors and renormalizes. Used by the merge
// repair to re-average embeddings of raced identities.
func MeanVector(a, b []float32) []float32 {
	if len(a) != len(b) || len(a) == 0 {
		return Normalize(a)
	}
	mean := make([]float32, len(a))
	for i := range a {
		mean[i] = (a[i] + b[i]) / 2
	}
	return Normalize(mean)
}
