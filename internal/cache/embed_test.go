package cache

import (
	"context"
	"math"
	"testing"
)

func TestHashEmbedderProducesUnitVector(t *testing.T) {
	e := NewHashEmbedder()
	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != Dimension {
		t.Fatalf("expected dimension %d, got %d", Dimension, len(vec))
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-6 {
		t.Errorf("expected unit vector, got norm %.6f", math.Sqrt(norm))
	}
}

func TestHashEmbedderIsDeterministic(t *testing.T) {
	e := NewHashEmbedder()
	v1, _ := e.Embed(context.Background(), "a repeated phrase")
	v2, _ := e.Embed(context.Background(), "a repeated phrase")
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("expected deterministic embedding, differed at index %d", i)
		}
	}
}

func TestHashEmbedderSimilarTextsAreCloser(t *testing.T) {
	e := NewHashEmbedder()
	a, _ := e.Embed(context.Background(), "what is two plus two")
	b, _ := e.Embed(context.Background(), "what is two plus two?")
	c, _ := e.Embed(context.Background(), "tell me about the history of rome")

	cos := func(x, y []float32) float64 {
		var dot float64
		for i := range x {
			dot += float64(x[i]) * float64(y[i])
		}
		return dot
	}
	if cos(a, b) <= cos(a, c) {
		t.Errorf("expected near-identical phrasing to be closer than an unrelated phrase: sim(a,b)=%.4f sim(a,c)=%.4f", cos(a, b), cos(a, c))
	}
}
