package cache

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder is the injected embedding-pipeline dependency: a pure
// function embed(text) → unit vector of fixed dimension D. It is an
// external collaborator; AgentSwitchboard only depends on this narrow
// contract, with an explicit readiness gate the orchestrator must wait
// on before accepting traffic.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Ready(ctx context.Context) error
}

// Dimension is the fixed embedding width.
const Dimension = 384

// HashEmbedder is a deterministic, dependency-free stand-in embedder
// used when no external embedding service is configured. It produces a
// stable unit vector from repeated hashing of token shingles — good
// enough to exercise exact-hash and ANN code paths in tests, but not a
// semantic embedding; production deployments are expected to inject a
// real model-backed Embedder satisfying the same interface.
type HashEmbedder struct{}

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (h *HashEmbedder) Dimension() int { return Dimension }

func (h *HashEmbedder) Ready(context.Context) error { return nil }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dimension)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		for i := 0; i < 3; i++ {
			h := fnv.New64a()
			h.Write([]byte(tok))
			h.Write([]byte{byte(i)})
			sum := h.Sum64()
			idx := int(sum % uint64(Dimension))
			sign := float32(1)
			if sum&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
