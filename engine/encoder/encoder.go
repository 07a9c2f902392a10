// Package encoder implements the Intent Encoder (C1): it normalizes intent
// text into a fixed-dimension vector via an injected Embedder, repairing
// dimension drift by deterministic resample and falling back to a
// deterministic hash-based vector when the embedder is unavailable.
package encoder

import (
	"context"
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

// Embedder is the sole capability the encoder depends on (spec §9's
// capability-set design: `{Encode}`). The concrete HTTP implementation is
// pkg/ollama.EmbedClient.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	ModelID() string
	BaseURL() string
}

// Encoder wraps an Embedder with dimension repair and hash fallback.
type Encoder struct {
	embedder Embedder
	dim      int
}

// New creates an Encoder targeting a fixed output dimension.
func New(embedder Embedder, dim int) *Encoder {
	return &Encoder{embedder: embedder, dim: dim}
}

// Dim returns the engine-configured embedding dimension.
func (e *Encoder) Dim() int { return e.dim }

// Fingerprint returns the embedder fingerprint used to detect drift across
// restarts: hash(model_id, dim, base_url). A fingerprint mismatch triggers
// an index rebuild-from-store with resample, never a hard failure.
func (e *Encoder) Fingerprint() string {
	return Fingerprint(e.embedder.ModelID(), e.dim, e.embedder.BaseURL())
}

// Fingerprint computes the embedder fingerprint from its raw components, so
// callers who only have persisted metadata (not a live Embedder) can compare
// it without reconstructing one.
func Fingerprint(modelID string, dim int, baseURL string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", modelID, dim, baseURL)))
	return fmt.Sprintf("%x", h[:8])
}

// Encode turns text into a (vector, source) pair. It never returns an error:
// embedder failures and dimension drift are recovered locally per §4.1/§7,
// recorded in the returned EmbeddingSource instead of surfaced.
func (e *Encoder) Encode(ctx context.Context, text string) ([]float32, domain.EmbeddingSource) {
	vec, err := e.embedder.Encode(ctx, text)
	if err != nil {
		return HashFallback(text, e.dim), domain.EmbeddingHashFallback
	}
	if len(vec) == e.dim {
		return vec, domain.EmbeddingFresh
	}
	return Resample(vec, e.dim), domain.EmbeddingRepaired
}

// Resample deterministically repairs a vector of length d' to length dim
// using linear-stride averaging: no random seed, same input always yields
// the same output.
func Resample(vec []float32, dim int) []float32 {
	out := make([]float32, dim)
	if len(vec) == 0 || dim == 0 {
		return out
	}
	srcLen := len(vec)
	for i := 0; i < dim; i++ {
		// Map output index i to a span of source indices via linear stride.
		startF := float64(i) * float64(srcLen) / float64(dim)
		endF := float64(i+1) * float64(srcLen) / float64(dim)
		start := int(startF)
		end := int(endF)
		if end <= start {
			end = start + 1
		}
		if end > srcLen {
			end = srcLen
		}
		var sum float32
		n := 0
		for j := start; j < end; j++ {
			sum += vec[j]
			n++
		}
		if n == 0 {
			out[i] = vec[start%srcLen]
		} else {
			out[i] = sum / float32(n)
		}
	}
	return out
}

// HashFallback produces a deterministic, stable-per-text vector of length
// dim when the embedder is unavailable. It uses an FNV hash of the text to
// seed a deterministic PRNG, so the same text always yields the same
// vector (idempotence requirement of §4.1), with no external entropy.
func HashFallback(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	// math/rand with an explicit seed is deterministic across runs; no
	// crypto/rand, no time-based entropy.
	src := rand.New(rand.NewSource(int64(seed)))
	out := make([]float32, dim)
	for i := range out {
		out[i] = float32(src.NormFloat64())
	}
	normalize(out)
	return out
}

// normalize scales a vector to unit L2 norm in place, so hash-fallback
// vectors behave reasonably under cosine similarity.
func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}
