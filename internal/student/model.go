package student

import (
	"context"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hyperengineering/distil/internal/embedding"
)

// Model is a sentence encoder made of a frozen pooled base encoder and a
// trainable dense head. It satisfies embedding.Embedder, so a trained
// student can stand in anywhere a teacher can.
type Model struct {
	base embedding.Embedder
	head *Head

	mu       sync.RWMutex
	cache    map[string][]float64
	useCache bool
}

// Option configures a Model.
type Option func(*Model)

// WithFeatureCache keeps base features in memory keyed by sentence. The
// base encoder is frozen, so features never go stale.
func WithFeatureCache() Option {
	return func(m *Model) {
		m.useCache = true
		m.cache = make(map[string][]float64)
	}
}

// New builds a student from base and head.
func New(base embedding.Embedder, head *Head, opts ...Option) *Model {
	m := &Model{base: base, head: head}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Build probes base for its output size and attaches a fresh head
// projecting to outDim.
func Build(ctx context.Context, base embedding.Embedder, outDim int, seed int64, opts ...Option) (*Model, error) {
	in, err := embedding.ProbeDimension(ctx, base)
	if err != nil {
		return nil, err
	}
	return New(base, NewHead(in, outDim, seed), opts...), nil
}

// Head returns the trainable head.
func (m *Model) Head() *Head { return m.head }

// Dimension returns the output embedding size.
func (m *Model) Dimension() int { return m.head.Out() }

// ModelName implements embedding.Embedder.
func (m *Model) ModelName() string {
	return "student(" + m.base.ModelName() + ")"
}

// Features returns the base embeddings of sentences as an n×in matrix.
func (m *Model) Features(ctx context.Context, sentences []string) (*mat.Dense, error) {
	if len(sentences) == 0 {
		return nil, fmt.Errorf("features: %w", embedding.ErrEmptyEmbedding)
	}
	in := m.head.In()
	x := mat.NewDense(len(sentences), in, nil)

	missing := make([]int, 0, len(sentences))
	if m.useCache {
		m.mu.RLock()
		for i, s := range sentences {
			if row, ok := m.cache[s]; ok {
				x.SetRow(i, row)
			} else {
				missing = append(missing, i)
			}
		}
		m.mu.RUnlock()
	} else {
		for i := range sentences {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return x, nil
	}

	batch := make([]string, len(missing))
	for k, i := range missing {
		batch[k] = sentences[i]
	}
	vecs, err := m.base.EmbedBatch(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("base %s: %w", m.base.ModelName(), err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("base %s returned %d embeddings for %d inputs", m.base.ModelName(), len(vecs), len(batch))
	}

	if m.useCache {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	for k, i := range missing {
		if len(vecs[k]) != in {
			return nil, fmt.Errorf("base %s: embedding has %d dims, head expects %d: %w",
				m.base.ModelName(), len(vecs[k]), in, ErrShape)
		}
		row := toFloat64(vecs[k])
		x.SetRow(i, row)
		if m.useCache {
			m.cache[sentences[i]] = row
		}
	}
	return x, nil
}

// EmbedBatch implements embedding.Embedder.
func (m *Model) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	if len(contents) == 0 {
		return [][]float32{}, nil
	}
	x, err := m.Features(ctx, contents)
	if err != nil {
		return nil, err
	}
	y, err := m.head.Forward(x)
	if err != nil {
		return nil, err
	}
	return Rows(y), nil
}

// Embed implements embedding.Embedder.
func (m *Model) Embed(ctx context.Context, content string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{content})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Close releases the base encoder.
func (m *Model) Close() error {
	return embedding.Close(m.base)
}

// Rows converts each row of y to a float32 vector.
func Rows(y *mat.Dense) [][]float32 {
	r, c := y.Dims()
	out := make([][]float32, r)
	for i := 0; i < r; i++ {
		row := y.RawRowView(i)
		v := make([]float32, c)
		for j, f := range row {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out
}

// Matrix packs equal-length vectors into an n×d matrix.
func Matrix(vecs [][]float32) (*mat.Dense, error) {
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, embedding.ErrEmptyEmbedding
	}
	d := len(vecs[0])
	m := mat.NewDense(len(vecs), d, nil)
	for i, v := range vecs {
		if len(v) != d {
			return nil, fmt.Errorf("row %d has %d dims, want %d: %w", i, len(v), d, ErrShape)
		}
		m.SetRow(i, toFloat64(v))
	}
	return m, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
