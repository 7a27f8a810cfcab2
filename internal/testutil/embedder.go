package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder produces deterministic unit vectors from token hashes. Texts
// sharing words get nearby vectors, which is enough to exercise vector
// search end to end without a model call.
type HashEmbedder struct {
	Dimension int
}

// Embed maps each text to a normalized bag-of-words hash vector.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.Dimension)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[int(h.Sum32())%e.Dimension] += 1
		}

		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= scale
			}
		}
		out[i] = vec
	}
	return out, nil
}
