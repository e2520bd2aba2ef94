package embedding

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
)

// HashEngine is a deterministic, offline engine: each text hashes into a
// stable pseudo-random unit vector. It carries no semantics and exists for
// tests, dry runs and air-gapped smoke syncs.
type HashEngine struct {
	dimensions int
}

// NewHashEngine creates a hash-based engine.
func NewHashEngine(dimensions int) *HashEngine {
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &HashEngine{dimensions: dimensions}
}

// Embed generates a deterministic vector for the text.
func (e *HashEngine) Embed(ctx context.Context, text string, input InputType) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dimensions)
	var norm float64
	for i := range vec {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], seed+uint64(i))
		g := fnv.New64a()
		g.Write(buf[:])
		// Map into [-1, 1).
		vec[i] = float32(int64(g.Sum64()%2000))/1000 - 1
		norm += float64(vec[i]) * float64(vec[i])
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// EmbedBatch generates deterministic vectors for all texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t, input)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the configured dimensionality.
func (e *HashEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *HashEngine) Name() string { return "hash" }
