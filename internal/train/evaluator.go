package train

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hyperengineering/distil/internal/embedding"
)

// EpochEnd is the Position.Step reported for end-of-epoch evaluations.
const EpochEnd = -1

// Position locates an evaluation within training.
type Position struct {
	Epoch int
	Step  int // step within the epoch, or EpochEnd
}

// Evaluator scores a model. Higher is better.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, model embedding.Embedder, pos Position) (float64, error)
}

// MSEEvaluator compares student embeddings of target sentences against
// teacher embeddings of their source sentences. The teacher side is
// computed once at construction.
type MSEEvaluator struct {
	name      string
	targets   []string
	teacher   [][]float32
	batchSize int
	csvPath   string
}

// NewMSEEvaluator embeds sources with teacher and keeps them for every
// later evaluation. When outputDir is non-empty, each result is appended
// to outputDir/eval/mse_evaluation_<name>_results.csv.
func NewMSEEvaluator(ctx context.Context, teacher embedding.Embedder, sources, targets []string, name string, batchSize int, outputDir string) (*MSEEvaluator, error) {
	if len(sources) != len(targets) {
		return nil, fmt.Errorf("mse evaluator %s: %d sources, %d targets", name, len(sources), len(targets))
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("mse evaluator %s: %w", name, ErrNoEvaluationData)
	}
	vecs, err := embedding.EmbedChunked(ctx, teacher, sources, batchSize)
	if err != nil {
		return nil, fmt.Errorf("mse evaluator %s: teacher: %w", name, err)
	}
	e := &MSEEvaluator{
		name:      name,
		targets:   targets,
		teacher:   vecs,
		batchSize: batchSize,
	}
	if outputDir != "" {
		e.csvPath = filepath.Join(outputDir, "eval", "mse_evaluation_"+name+"_results.csv")
	}
	return e, nil
}

// ErrNoEvaluationData is returned when an evaluator has no pairs to score.
var ErrNoEvaluationData = errors.New("no evaluation pairs")

// Name implements Evaluator.
func (e *MSEEvaluator) Name() string { return e.name }

// CSVPath returns the results file, or "" when results are not written.
func (e *MSEEvaluator) CSVPath() string { return e.csvPath }

// Evaluate returns -100 × the mean squared difference between the
// student's target embeddings and the teacher's source embeddings.
func (e *MSEEvaluator) Evaluate(ctx context.Context, model embedding.Embedder, pos Position) (float64, error) {
	vecs, err := embedding.EmbedChunked(ctx, model, e.targets, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("mse evaluator %s: student: %w", e.name, err)
	}
	if len(vecs) != len(e.teacher) {
		return 0, fmt.Errorf("mse evaluator %s: %d student embeddings for %d pairs", e.name, len(vecs), len(e.teacher))
	}

	var sum float64
	var n int
	for i, s := range vecs {
		t := e.teacher[i]
		if len(s) != len(t) {
			return 0, fmt.Errorf("mse evaluator %s: student dim %d, teacher dim %d", e.name, len(s), len(t))
		}
		for j := range s {
			d := float64(s[j]) - float64(t[j])
			sum += d * d
		}
		n += len(s)
	}
	mse := sum / float64(n) * 100

	if e.csvPath != "" {
		if err := e.appendCSV(pos, mse); err != nil {
			return 0, err
		}
	}
	return -mse, nil
}

func (e *MSEEvaluator) appendCSV(pos Position, mse float64) error {
	if err := os.MkdirAll(filepath.Dir(e.csvPath), 0o755); err != nil {
		return fmt.Errorf("create eval dir: %w", err)
	}
	_, statErr := os.Stat(e.csvPath)
	header := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(e.csvPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open eval csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if header {
		if err := w.Write([]string{"epoch", "steps", "MSE"}); err != nil {
			return fmt.Errorf("write eval csv: %w", err)
		}
	}
	if err := w.Write([]string{
		strconv.Itoa(pos.Epoch),
		strconv.Itoa(pos.Step),
		strconv.FormatFloat(mse, 'g', -1, 64),
	}); err != nil {
		return fmt.Errorf("write eval csv: %w", err)
	}
	w.Flush()
	return w.Error()
}

// SequentialEvaluator runs several evaluators and reduces their scores to
// their arithmetic mean.
type SequentialEvaluator struct {
	evaluators []Evaluator
}

// NewSequentialEvaluator combines evaluators in order.
func NewSequentialEvaluator(evaluators ...Evaluator) *SequentialEvaluator {
	return &SequentialEvaluator{evaluators: evaluators}
}

// Name implements Evaluator.
func (s *SequentialEvaluator) Name() string { return "sequential" }

// Evaluate implements Evaluator.
func (s *SequentialEvaluator) Evaluate(ctx context.Context, model embedding.Embedder, pos Position) (float64, error) {
	if len(s.evaluators) == 0 {
		return 0, ErrNoEvaluationData
	}
	var sum float64
	for _, ev := range s.evaluators {
		score, err := ev.Evaluate(ctx, model, pos)
		if err != nil {
			return 0, err
		}
		sum += score
	}
	return sum / float64(len(s.evaluators)), nil
}
