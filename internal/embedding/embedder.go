package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrEmptyEmbedding is returned when a backend yields a zero-length vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Embedder defines the interface contract for sentence encoders.
// Teacher encoders and student base encoders both satisfy it.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
	EmbedBatch(ctx context.Context, contents []string) ([][]float32, error)
	ModelName() string
}

// Closer is implemented by encoders that hold native resources.
type Closer interface {
	Close() error
}

// Close releases e when it holds resources.
func Close(e Embedder) error {
	if c, ok := e.(Closer); ok {
		return c.Close()
	}
	return nil
}

// ProbeDimension embeds a fixed sentence and reports the vector length.
func ProbeDimension(ctx context.Context, e Embedder) (int, error) {
	v, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return 0, fmt.Errorf("probe %s dimension: %w", e.ModelName(), err)
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("probe %s dimension: %w", e.ModelName(), ErrEmptyEmbedding)
	}
	return len(v), nil
}

// EmbedChunked embeds contents in slices of at most batchSize.
func EmbedChunked(ctx context.Context, e Embedder, contents []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 || len(contents) <= batchSize {
		return e.EmbedBatch(ctx, contents)
	}
	out := make([][]float32, 0, len(contents))
	for start := 0; start < len(contents); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+batchSize, len(contents))
		vecs, err := e.EmbedBatch(ctx, contents[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("%s returned %d embeddings for %d inputs", e.ModelName(), len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// truncating caps every input at maxWords whitespace-separated words.
// Word pieces outnumber words, so the tokenizer still enforces the
// model's own limit; this keeps oversized inputs off the wire.
type truncating struct {
	Embedder
	maxWords int
}

// WithMaxWords wraps e so inputs are cut to maxWords words. maxWords <= 0
// returns e unchanged.
func WithMaxWords(e Embedder, maxWords int) Embedder {
	if maxWords <= 0 {
		return e
	}
	return &truncating{Embedder: e, maxWords: maxWords}
}

func (t *truncating) Embed(ctx context.Context, content string) ([]float32, error) {
	return t.Embedder.Embed(ctx, Truncate(content, t.maxWords))
}

func (t *truncating) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	cut := make([]string, len(contents))
	for i, c := range contents {
		cut[i] = Truncate(c, t.maxWords)
	}
	return t.Embedder.EmbedBatch(ctx, cut)
}

func (t *truncating) Close() error {
	return Close(t.Embedder)
}

// Truncate returns s limited to its first maxWords words.
func Truncate(s string, maxWords int) string {
	if maxWords <= 0 {
		return s
	}
	fields := strings.Fields(s)
	if len(fields) <= maxWords {
		return s
	}
	return strings.Join(fields[:maxWords], " ")
}

// Normalize scales v to unit length in place. Zero vectors are left alone.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
