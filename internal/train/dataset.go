package train

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hyperengineering/distil/internal/corpus"
	"github.com/hyperengineering/distil/internal/embedding"
	"github.com/hyperengineering/distil/internal/student"
)

// Example is one training item: the student must embed Sentence the way
// the teacher embeds Source.
type Example struct {
	Sentence string
	Source   string
}

// ParallelDataset holds the examples derived from a parallel corpus.
type ParallelDataset struct {
	examples []Example
}

// NewParallelDataset turns pairs into examples. Both sides of every pair
// are trained towards the teacher embedding of the source side. A
// sentence seen twice keeps the source of its first occurrence.
func NewParallelDataset(pairs []corpus.Pair) *ParallelDataset {
	seen := make(map[string]struct{}, len(pairs)*2)
	examples := make([]Example, 0, len(pairs)*2)
	for _, p := range pairs {
		for _, s := range []string{p.Source, p.Target} {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			examples = append(examples, Example{Sentence: s, Source: p.Source})
		}
	}
	return &ParallelDataset{examples: examples}
}

// Len returns the number of examples.
func (d *ParallelDataset) Len() int { return len(d.examples) }

// Examples returns the examples in corpus order.
func (d *ParallelDataset) Examples() []Example { return d.examples }

// BatchIterator yields reshuffled batches once per epoch. The final batch
// of an epoch may be short.
type BatchIterator struct {
	examples  []Example
	batchSize int
	rng       *rand.Rand
}

// NewBatchIterator creates an iterator over d seeded by seed.
func NewBatchIterator(d *ParallelDataset, batchSize int, seed int64) *BatchIterator {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &BatchIterator{
		examples:  append([]Example(nil), d.examples...),
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// StepsPerEpoch returns the number of batches in one epoch.
func (it *BatchIterator) StepsPerEpoch() int {
	return (len(it.examples) + it.batchSize - 1) / it.batchSize
}

// Epoch shuffles the examples and returns them split into batches.
func (it *BatchIterator) Epoch() [][]Example {
	it.rng.Shuffle(len(it.examples), func(i, j int) {
		it.examples[i], it.examples[j] = it.examples[j], it.examples[i]
	})
	batches := make([][]Example, 0, it.StepsPerEpoch())
	for start := 0; start < len(it.examples); start += it.batchSize {
		end := min(start+it.batchSize, len(it.examples))
		batches = append(batches, it.examples[start:end])
	}
	return batches
}

// Targets computes teacher embeddings for source sentences, in chunks of
// the inference batch size.
type Targets struct {
	teacher   embedding.Embedder
	batchSize int

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewTargets creates a target provider. With useCache set every teacher
// embedding is kept for the rest of the run.
func NewTargets(teacher embedding.Embedder, batchSize int, useCache bool) *Targets {
	t := &Targets{teacher: teacher, batchSize: batchSize}
	if useCache {
		t.cache = make(map[string][]float32)
	}
	return t
}

// Embed returns the teacher embeddings of sources as an n×d matrix.
func (t *Targets) Embed(ctx context.Context, sources []string) (*mat.Dense, error) {
	vecs := make([][]float32, len(sources))
	var missing []string
	var slots []int

	if t.cache != nil {
		t.mu.RLock()
		for i, s := range sources {
			if v, ok := t.cache[s]; ok {
				vecs[i] = v
			} else {
				missing = append(missing, s)
				slots = append(slots, i)
			}
		}
		t.mu.RUnlock()
	} else {
		missing = sources
		slots = make([]int, len(sources))
		for i := range slots {
			slots[i] = i
		}
	}

	if len(missing) > 0 {
		fresh, err := embedding.EmbedChunked(ctx, t.teacher, missing, t.batchSize)
		if err != nil {
			return nil, fmt.Errorf("teacher %s: %w", t.teacher.ModelName(), err)
		}
		if len(fresh) != len(missing) {
			return nil, fmt.Errorf("teacher %s returned %d embeddings for %d inputs",
				t.teacher.ModelName(), len(fresh), len(missing))
		}
		for k, i := range slots {
			vecs[i] = fresh[k]
		}
		if t.cache != nil {
			t.mu.Lock()
			for k, s := range missing {
				t.cache[s] = fresh[k]
			}
			t.mu.Unlock()
		}
	}

	return student.Matrix(vecs)
}
