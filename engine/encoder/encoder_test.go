package encoder

import (
	"context"
	"errors"
	"testing"

	"github.com/synapseai/synapse-mvp/engine/domain"
)

type fakeEmbedder struct {
	vec     []float32
	err     error
	modelID string
	baseURL string
}

func (f *fakeEmbedder) Encode(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}
func (f *fakeEmbedder) ModelID() string { return f.modelID }
func (f *fakeEmbedder) BaseURL() string { return f.baseURL }

func TestEncode_Fresh(t *testing.T) {
	e := New(&fakeEmbedder{vec: make([]float32, 128)}, 128)
	vec, src := e.Encode(context.Background(), "debug timeout")
	if src != domain.EmbeddingFresh {
		t.Fatalf("expected fresh, got %s", src)
	}
	if len(vec) != 128 {
		t.Fatalf("expected 128 dims, got %d", len(vec))
	}
}

func TestEncode_Repaired(t *testing.T) {
	e := New(&fakeEmbedder{vec: make([]float32, 384)}, 256)
	vec, src := e.Encode(context.Background(), "some query")
	if src != domain.EmbeddingRepaired {
		t.Fatalf("expected repaired, got %s", src)
	}
	if len(vec) != 256 {
		t.Fatalf("expected 256 dims, got %d", len(vec))
	}
}

func TestEncode_HashFallbackOnError(t *testing.T) {
	e := New(&fakeEmbedder{err: errors.New("timeout")}, 64)
	vec, src := e.Encode(context.Background(), "query")
	if src != domain.EmbeddingHashFallback {
		t.Fatalf("expected hash_fallback, got %s", src)
	}
	if len(vec) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(vec))
	}
}

func TestHashFallback_Deterministic(t *testing.T) {
	a := HashFallback("same text", 32)
	b := HashFallback("same text", 32)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("hash fallback not deterministic at index %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestHashFallback_DifferentTextDiffers(t *testing.T) {
	a := HashFallback("text one", 32)
	b := HashFallback("text two", 32)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different texts to produce different vectors")
	}
}

func TestResample_UpAndDownSize(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	down := Resample(src, 4)
	if len(down) != 4 {
		t.Fatalf("expected 4, got %d", len(down))
	}
	up := Resample(src, 16)
	if len(up) != 16 {
		t.Fatalf("expected 16, got %d", len(up))
	}
}

func TestResample_Empty(t *testing.T) {
	out := Resample(nil, 4)
	if len(out) != 4 {
		t.Fatalf("expected zero-filled length 4, got %d", len(out))
	}
	for _, v := range out {
		if v != 0 {
			t.Fatalf("expected zero vector, got %v", out)
		}
	}
}

func TestFingerprint_StableForSameInputs(t *testing.T) {
	a := Fingerprint("nomic-embed-text", 768, "http://localhost:11434")
	b := Fingerprint("nomic-embed-text", 768, "http://localhost:11434")
	if a != b {
		t.Fatalf("expected stable fingerprint, got %s vs %s", a, b)
	}
}

func TestFingerprint_DiffersOnDimChange(t *testing.T) {
	a := Fingerprint("nomic-embed-text", 768, "http://localhost:11434")
	b := Fingerprint("nomic-embed-text", 384, "http://localhost:11434")
	if a == b {
		t.Fatal("expected fingerprint to change with dim")
	}
}

func TestEncoder_FingerprintDelegatesToEmbedder(t *testing.T) {
	e := New(&fakeEmbedder{modelID: "m1", baseURL: "http://x"}, 128)
	fp := e.Fingerprint()
	want := Fingerprint("m1", 128, "http://x")
	if fp != want {
		t.Fatalf("expected %s, got %s", want, fp)
	}
}
