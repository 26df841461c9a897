// Package distill runs one multilingual distillation: a student encoder is
// trained so its embeddings of both sides of a parallel corpus match the
// teacher's embedding of the source side.
package distill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hyperengineering/distil/internal/config"
	"github.com/hyperengineering/distil/internal/corpus"
	"github.com/hyperengineering/distil/internal/embedding"
	"github.com/hyperengineering/distil/internal/publish"
	"github.com/hyperengineering/distil/internal/store"
	"github.com/hyperengineering/distil/internal/student"
	"github.com/hyperengineering/distil/internal/train"
	"github.com/hyperengineering/distil/internal/types"
)

// ErrDimensionMismatch is returned when the student cannot produce vectors
// of the teacher's width.
var ErrDimensionMismatch = errors.New("teacher and student dimensions differ")

// Dependencies are the collaborators of a run. Store and Uploader are
// optional.
type Dependencies struct {
	Teacher     embedding.Embedder
	StudentBase embedding.Embedder
	// StudentConfig describes StudentBase; it is written into checkpoints
	// so a saved student can be rebuilt.
	StudentConfig config.EncoderConfig
	Store         store.Store
	Uploader      publish.Uploader
}

// Result summarises a finished run.
type Result struct {
	RunID           string
	OutputPath      string
	TrainingPairs   int
	EvaluationPairs int
	Steps           int
	Evaluations     int
	BestScore       *float64
	Saved           bool
	Duration        time.Duration
}

// Run executes the distillation protocol for the corpus at corpusPath.
func Run(ctx context.Context, corpusPath string, cfg config.TrainingConfig, deps Dependencies) (*Result, error) {
	if deps.Teacher == nil || deps.StudentBase == nil {
		return nil, errors.New("distill: teacher and student base encoders are required")
	}
	start := time.Now()
	r := &runner{cfg: cfg, deps: deps, corpusPath: corpusPath}
	if r.deps.Uploader == nil {
		r.deps.Uploader = &publish.NoopUploader{}
	}

	if err := r.register(ctx); err != nil {
		return nil, err
	}
	res, err := r.run(ctx)
	if res != nil {
		res.Duration = time.Since(start)
	}
	r.finish(res, err)
	if err != nil {
		return res, err
	}

	if res.Saved {
		r.publish(ctx)
	}
	slog.Info("distillation finished",
		"component", "distill",
		"run_id", r.runID,
		"steps", res.Steps,
		"evaluations", res.Evaluations,
		"best_score", scoreAttr(res.BestScore),
		"output", res.OutputPath,
		"duration", res.Duration.String(),
	)
	return res, nil
}

type runner struct {
	cfg        config.TrainingConfig
	deps       Dependencies
	corpusPath string
	runID      string
}

func (r *runner) register(ctx context.Context) error {
	if r.deps.Store == nil {
		return nil
	}
	run, err := r.deps.Store.CreateRun(ctx, types.NewRun{
		Preset:       r.cfg.Preset,
		CorpusPath:   r.corpusPath,
		OutputPath:   r.cfg.OutputPath,
		TeacherModel: r.deps.Teacher.ModelName(),
		StudentModel: r.deps.StudentBase.ModelName(),
	})
	if err != nil {
		return fmt.Errorf("register run: %w", err)
	}
	r.runID = run.ID
	return nil
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	cfg := r.cfg
	res := &Result{RunID: r.runID, OutputPath: cfg.OutputPath}

	slog.Info("loading teacher model",
		"component", "distill",
		"run_id", r.runID,
		"teacher", r.deps.Teacher.ModelName(),
	)
	teacherDim, err := embedding.ProbeDimension(ctx, r.deps.Teacher)
	if err != nil {
		return res, fmt.Errorf("teacher: %w", err)
	}

	slog.Info("creating student model from scratch",
		"component", "distill",
		"run_id", r.runID,
		"base", r.deps.StudentBase.ModelName(),
	)
	var opts []student.Option
	if cfg.UseEmbeddingCache {
		opts = append(opts, student.WithFeatureCache())
	}
	model, err := student.Build(ctx, r.deps.StudentBase, teacherDim, cfg.Seed, opts...)
	if err != nil {
		return res, fmt.Errorf("student: %w", err)
	}
	if baseDim := model.Head().In(); baseDim != teacherDim {
		if !cfg.AllowProjection {
			return res, fmt.Errorf("teacher %d, student %d: %w", teacherDim, baseDim, ErrDimensionMismatch)
		}
		slog.Warn("student base width differs from teacher, head starts from random projection",
			"component", "distill",
			"base_dim", baseDim,
			"teacher_dim", teacherDim,
		)
	}

	pairs, stats, err := corpus.LoadTraining(r.corpusPath, corpus.TrainingOptions{
		Delimiter:         cfg.Delimiter,
		MaxPairs:          int(cfg.MaxSentences),
		MaxSentenceLength: cfg.MaxSentenceLength,
	})
	if err != nil {
		return res, fmt.Errorf("load training corpus: %w", err)
	}
	res.TrainingPairs = len(pairs)
	slog.Info("training corpus loaded",
		"component", "distill",
		"run_id", r.runID,
		"pairs", len(pairs),
		"lines", stats.Lines,
	)
	slog.Debug("training corpus filtered",
		"component", "distill",
		"malformed", stats.Malformed,
		"too_long", stats.TooLong,
	)
	dataset := train.NewParallelDataset(pairs)

	evalPairs, _, err := corpus.LoadEvaluation(r.corpusPath, cfg.Delimiter, cfg.EvaluationLines)
	if err != nil {
		return res, fmt.Errorf("load evaluation subset: %w", err)
	}
	res.EvaluationPairs = len(evalPairs)
	mse, err := train.NewMSEEvaluator(ctx, r.deps.Teacher,
		corpus.Sources(evalPairs), corpus.Targets(evalPairs),
		filepath.Base(r.corpusPath), cfg.InferenceBatchSize, cfg.OutputPath)
	if err != nil {
		return res, err
	}
	slog.Info("MSE evaluation is ready",
		"component", "distill",
		"run_id", r.runID,
		"pairs", len(evalPairs),
		"overlaps_training", true,
	)
	evaluator := train.NewSequentialEvaluator(mse)

	if r.deps.Store != nil {
		if err := r.deps.Store.SetCorpusSize(ctx, r.runID, len(pairs), len(evalPairs)); err != nil {
			return res, fmt.Errorf("record corpus size: %w", err)
		}
	}

	trainer := train.NewTrainer(model,
		train.NewTargets(r.deps.Teacher, cfg.InferenceBatchSize, cfg.UseEmbeddingCache),
		dataset, evaluator,
		train.Options{
			Epochs:          cfg.Epochs,
			BatchSize:       cfg.TrainBatchSize,
			WarmupSteps:     cfg.WarmupSteps,
			EvaluationSteps: cfg.EvaluationSteps,
			LearningRate:    cfg.LearningRate,
			Epsilon:         cfg.Epsilon,
			WeightDecay:     cfg.WeightDecay,
			MaxGradNorm:     cfg.MaxGradNorm,
			SaveBestModel:   cfg.SaveBestModel,
			Seed:            cfg.Seed,
		},
		train.Callbacks{
			OnEvaluation: r.recordEvaluation,
			OnSave: func(_ context.Context, ev train.Evaluation) error {
				score := ev.Score
				if err := r.save(model, ev.Epoch, ev.GlobalStep, &score); err != nil {
					return err
				}
				res.Saved = true
				return nil
			},
		})

	slog.Info("student model training is going to start",
		"component", "distill",
		"run_id", r.runID,
	)
	summary, err := trainer.Fit(ctx)
	if summary != nil {
		res.Steps = summary.Steps
		res.Evaluations = summary.Evaluations
		res.BestScore = summary.BestScore
	}
	if err != nil {
		return res, fmt.Errorf("train: %w", err)
	}

	if cfg.FinalSave {
		if err := r.save(model, summary.Epochs-1, summary.Steps, nil); err != nil {
			return res, fmt.Errorf("final save: %w", err)
		}
		res.Saved = true
	}
	return res, nil
}

func (r *runner) save(model *student.Model, epoch, step int, score *float64) error {
	err := student.Save(r.cfg.OutputPath, model, student.Manifest{
		RunID:   r.runID,
		Base:    r.deps.StudentConfig,
		Teacher: r.deps.Teacher.ModelName(),
		Epoch:   epoch,
		Step:    step,
		Score:   score,
	})
	if err != nil {
		return err
	}
	slog.Info("student saved",
		"component", "distill",
		"run_id", r.runID,
		"path", r.cfg.OutputPath,
		"step", step,
		"score", scoreAttr(score),
	)
	return nil
}

func (r *runner) recordEvaluation(ctx context.Context, ev train.Evaluation) error {
	if r.deps.Store == nil {
		return nil
	}
	err := r.deps.Store.RecordEvaluation(ctx, types.Evaluation{
		RunID:      r.runID,
		Epoch:      ev.Epoch,
		Step:       ev.Step,
		GlobalStep: ev.GlobalStep,
		Score:      ev.Score,
		Best:       ev.Best,
	})
	if err != nil {
		return fmt.Errorf("record evaluation: %w", err)
	}
	return nil
}

// finish records the terminal state. It runs on a fresh context so a
// cancelled run is still closed out.
func (r *runner) finish(res *Result, runErr error) {
	if r.deps.Store == nil || r.runID == "" {
		return
	}
	outcome := types.RunOutcome{Status: types.RunSucceeded}
	if res != nil {
		outcome.Steps = res.Steps
		outcome.BestScore = res.BestScore
	}
	switch {
	case errors.Is(runErr, context.Canceled):
		outcome.Status = types.RunCancelled
		outcome.Error = runErr.Error()
	case runErr != nil:
		outcome.Status = types.RunFailed
		outcome.Error = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Store.FinishRun(ctx, r.runID, outcome); err != nil {
		slog.Error("failed to record run outcome",
			"component", "distill",
			"run_id", r.runID,
			"error", err,
		)
	}
}

// publish uploads the checkpoint. Failures are logged and do not fail the run.
func (r *runner) publish(ctx context.Context) {
	key := r.runID
	if key == "" {
		key = filepath.Base(r.cfg.OutputPath)
	}
	n, err := r.deps.Uploader.Upload(ctx, key, r.cfg.OutputPath)
	if err != nil {
		slog.Warn("checkpoint upload failed",
			"component", "distill",
			"run_id", r.runID,
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Info("checkpoint uploaded",
			"component", "distill",
			"run_id", r.runID,
			"objects", n,
		)
	}
}

func scoreAttr(score *float64) any {
	if score == nil {
		return nil
	}
	return *score
}
