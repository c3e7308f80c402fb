package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/checksync/checksync/pkg/models"
)

// Dim is the vector dimension the mock provider produces. It matches the
// embedding column width in the schema so mock vectors are storable.
const Dim = 1536

// Provider satisfies models.EmbeddingProvider for tests and local development.
// Vectors are derived deterministically from the input text, so identical
// texts always embed to identical (distance zero) vectors.
type Provider struct {
	Name_     string
	Model_    string
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (p *Provider) Name() string  { return p.Name_ }
func (p *Provider) Model() string { return p.Model_ }

func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, texts)
	}
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = Vector(t)
	}
	return vectors, nil
}

// NewProvider returns a Provider with deterministic hash-derived vectors.
func NewProvider() *Provider {
	return &Provider{Name_: "mock", Model_: "mock-embed-v1"}
}

// NewFailingProvider returns a Provider that always returns the given error.
func NewFailingProvider(err error) *Provider {
	return &Provider{
		Name_:  "mock-failing",
		Model_: "mock-embed-v1",
		EmbedFunc: func(_ context.Context, _ []string) ([][]float32, error) {
			return nil, err
		},
	}
}

// Vector derives a unit-length Dim-dimensional vector from text.
func Vector(text string) []float32 {
	v := make([]float32, Dim)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	block := seed[:]
	for i := 0; i < Dim; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		// Map to (-1, 1).
		val := float64(bits)/float64(math.MaxUint32)*2 - 1
		v[i] = float32(val)
		norm += val * val
	}

	n := float32(math.Sqrt(norm))
	if n > 0 {
		for i := range v {
			v[i] /= n
		}
	}
	return v
}

// Compile-time check that Provider implements EmbeddingProvider.
var _ models.EmbeddingProvider = (*Provider)(nil)
