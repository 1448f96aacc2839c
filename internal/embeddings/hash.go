package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder is a deterministic local embedder. Each token hashes into a
// bucket of the vector, so texts sharing words land near each other under
// cosine distance. It backs the echo provider mode and the test suite; it is
// not a substitute for a real sentence-embedding model.
type HashEmbedder struct {
	name string
	dim  int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{name: "hash-fnv", dim: dim}
}

func (h *HashEmbedder) Model() string  { return h.name }
func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		vec := make([]float32, h.dim)
		for _, tok := range strings.Fields(strings.ToLower(text)) {
			tok = strings.Trim(tok, ".,!?;:\"'()")
			if tok == "" {
				continue
			}
			f := fnv.New32a()
			_, _ = f.Write([]byte(tok))
			vec[int(f.Sum32())%h.dim] += 1
		}
		normalize(vec)
		out[i] = vec
	}
	return out, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
