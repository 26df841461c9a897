package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/hyperengineering/distil/internal/student"
)

// ErrEmptyDataset is returned when there is nothing to train on.
var ErrEmptyDataset = errors.New("empty training dataset")

// Options are the fit hyperparameters.
type Options struct {
	Epochs          int
	BatchSize       int
	WarmupSteps     int
	EvaluationSteps int // 0 disables mid-epoch evaluation
	LearningRate    float64
	Epsilon         float64
	WeightDecay     float64
	MaxGradNorm     float64
	SaveBestModel   bool
	Seed            int64
}

// Evaluation is the outcome of one evaluator call.
type Evaluation struct {
	Position
	GlobalStep int
	Score      float64
	Best       bool // strictly better than every earlier score of this fit
}

// Callbacks observe training. A callback error aborts Fit.
type Callbacks struct {
	// OnEvaluation runs after every evaluation, before any save.
	OnEvaluation func(ctx context.Context, ev Evaluation) error
	// OnSave persists the model after an improving evaluation.
	OnSave func(ctx context.Context, ev Evaluation) error
}

// Summary reports a finished fit.
type Summary struct {
	Epochs      int
	Steps       int
	Evaluations int
	BestScore   *float64
	LastLoss    float64
	Duration    time.Duration
}

// Trainer fits a student's head against teacher targets.
type Trainer struct {
	model     *student.Model
	targets   *Targets
	dataset   *ParallelDataset
	evaluator Evaluator
	opts      Options
	callbacks Callbacks
	optimizer *AdamW

	best *float64
}

// NewTrainer wires a trainer. evaluator may be nil.
func NewTrainer(model *student.Model, targets *Targets, dataset *ParallelDataset, evaluator Evaluator, opts Options, callbacks Callbacks) *Trainer {
	return &Trainer{
		model:     model,
		targets:   targets,
		dataset:   dataset,
		evaluator: evaluator,
		opts:      opts,
		callbacks: callbacks,
		optimizer: NewAdamW(opts.Epsilon, opts.WeightDecay),
	}
}

// Fit runs opts.Epochs passes over the dataset. It evaluates every
// EvaluationSteps steps within an epoch and at the end of every epoch.
func (t *Trainer) Fit(ctx context.Context) (*Summary, error) {
	if t.dataset.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	start := time.Now()
	it := NewBatchIterator(t.dataset, t.opts.BatchSize, t.opts.Seed)
	total := it.StepsPerEpoch() * t.opts.Epochs

	slog.Info("training started",
		"component", "train",
		"examples", t.dataset.Len(),
		"epochs", t.opts.Epochs,
		"steps_per_epoch", it.StepsPerEpoch(),
		"total_steps", total,
		"warmup_steps", t.opts.WarmupSteps,
	)

	summary := &Summary{}
	global := 0
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		for i, batch := range it.Epoch() {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			lr := t.opts.LearningRate * WarmupLinear(global, t.opts.WarmupSteps, total)
			loss, err := t.step(ctx, batch, lr)
			if err != nil {
				return summary, fmt.Errorf("epoch %d step %d: %w", epoch, i+1, err)
			}
			global++
			summary.Steps = global
			summary.LastLoss = loss

			step := i + 1
			if t.opts.EvaluationSteps > 0 && step%t.opts.EvaluationSteps == 0 {
				slog.Debug("training progress",
					"component", "train",
					"epoch", epoch,
					"step", step,
					"global_step", global,
					"loss", loss,
					"lr", lr,
				)
				if err := t.evaluate(ctx, Position{Epoch: epoch, Step: step}, global, summary); err != nil {
					return summary, err
				}
			}
		}
		summary.Epochs = epoch + 1
		if err := t.evaluate(ctx, Position{Epoch: epoch, Step: EpochEnd}, global, summary); err != nil {
			return summary, err
		}
	}

	summary.BestScore = t.best
	summary.Duration = time.Since(start)
	slog.Info("training finished",
		"component", "train",
		"steps", summary.Steps,
		"evaluations", summary.Evaluations,
		"last_loss", summary.LastLoss,
		"duration", summary.Duration.String(),
	)
	return summary, nil
}

// step runs one optimisation step and returns the batch loss. Teacher
// targets and the student forward pass run concurrently; the head is
// updated only after both finish.
func (t *Trainer) step(ctx context.Context, batch []Example, lr float64) (float64, error) {
	sentences := make([]string, len(batch))
	sources := make([]string, len(batch))
	for i, ex := range batch {
		sentences[i] = ex.Sentence
		sources[i] = ex.Source
	}

	var x, target *mat.Dense
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		target, err = t.targets.Embed(gctx, sources)
		return err
	})
	g.Go(func() error {
		var err error
		x, err = t.model.Features(gctx, sentences)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}

	head := t.model.Head()
	pred, err := head.Forward(x)
	if err != nil {
		return 0, err
	}
	loss, gradY, err := MSELoss(pred, target)
	if err != nil {
		return 0, err
	}
	gradW, gradB, err := head.Backward(x, gradY)
	if err != nil {
		return 0, err
	}
	ClipGradNorm(t.opts.MaxGradNorm, gradW, gradB)
	t.optimizer.Step(head, gradW, gradB, lr)
	return loss, nil
}

func (t *Trainer) evaluate(ctx context.Context, pos Position, global int, summary *Summary) error {
	if t.evaluator == nil {
		return nil
	}
	score, err := t.evaluator.Evaluate(ctx, t.model, pos)
	if err != nil {
		return fmt.Errorf("evaluate epoch %d step %d: %w", pos.Epoch, pos.Step, err)
	}
	summary.Evaluations++

	ev := Evaluation{Position: pos, GlobalStep: global, Score: score}
	if t.best == nil || score > *t.best {
		ev.Best = true
		t.best = &score
	}
	summary.BestScore = t.best

	slog.Info("evaluation",
		"component", "train",
		"evaluator", t.evaluator.Name(),
		"epoch", pos.Epoch,
		"step", pos.Step,
		"score", score,
		"best", ev.Best,
	)

	if t.callbacks.OnEvaluation != nil {
		if err := t.callbacks.OnEvaluation(ctx, ev); err != nil {
			return err
		}
	}
	if ev.Best && t.opts.SaveBestModel && t.callbacks.OnSave != nil {
		if err := t.callbacks.OnSave(ctx, ev); err != nil {
			return fmt.Errorf("save best model: %w", err)
		}
	}
	return nil
}
