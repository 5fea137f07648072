package vision

import "math"

// Cosine computes the cosine similarity between two embeddings.
// Returns 0 when either vector has zero norm or the lengths differ.
// The result is clamped to [-1, 1] against floating point drift.
func Cosine(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return sim
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// unchanged.
func Normalize(v Embedding) Embedding {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}

	norm = math.Sqrt(norm)
	out := make(Embedding, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
