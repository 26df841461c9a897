package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/distil/internal/config"
	"github.com/hyperengineering/distil/internal/corpus"
	"github.com/hyperengineering/distil/internal/distill"
	"github.com/hyperengineering/distil/internal/embedding"
	"github.com/hyperengineering/distil/internal/publish"
)

var (
	trainSentences       string
	trainOutput          string
	trainAllowProjection bool
	trainNoHistory       bool
)

var trainCmd = &cobra.Command{
	Use:   "train <corpus>",
	Short: "Distil the teacher into a student on a parallel corpus",
	Long: `Train a student encoder so that both sides of every parallel sentence pair
embed close to the teacher's embedding of the source sentence.

The preset selects the corpus delimiter and training constants:
  tsv   tab-separated pairs, batch 64, 500000 pairs, 1 epoch, best model only
  full  "###"-separated pairs, batch 32, all pairs, 10 epochs, best and final model`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&trainSentences, "sentences", "",
		`Training pair cap: a positive integer or "`+corpus.FullData+`"`)
	trainCmd.Flags().StringVar(&trainOutput, "output", "",
		"Checkpoint directory (overrides the preset's output path)")
	trainCmd.Flags().BoolVar(&trainAllowProjection, "allow-projection", false,
		"Train a projection head when the student base width differs from the teacher")
	trainCmd.Flags().BoolVar(&trainNoHistory, "no-history", false,
		"Do not record the run in the run store")
}

// trainingConfig applies train flags on top of the loaded configuration.
func trainingConfig(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	if trainSentences != "" {
		n, err := corpus.ParseSentenceCap(trainSentences)
		if err != nil {
			return cfg, err
		}
		cfg.Training.MaxSentences = config.SentenceCap(n)
	}
	if trainOutput != "" {
		cfg.Training.OutputPath = trainOutput
	}
	if cmd.Flags().Changed("allow-projection") {
		cfg.Training.AllowProjection = trainAllowProjection
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := trainingConfig(cmd, *appConfig)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	teacher, err := embedding.New(cfg.Teacher)
	if err != nil {
		return fmt.Errorf("teacher encoder: %w", err)
	}
	defer embedding.Close(teacher)

	base, err := embedding.New(cfg.Student)
	if err != nil {
		return fmt.Errorf("student base encoder: %w", err)
	}
	defer embedding.Close(base)

	uploader, err := publish.NewUploader(cfg.Publish)
	if err != nil {
		return err
	}

	deps := distill.Dependencies{
		Teacher:       teacher,
		StudentBase:   base,
		StudentConfig: cfg.Student,
		Uploader:      uploader,
	}
	if !trainNoHistory {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		deps.Store = db
	}

	res, err := distill.Run(ctx, args[0], cfg.Training, deps)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("training interrupted", "component", "cli")
		}
		return err
	}
	return printTrainResult(cmd, res)
}

func printTrainResult(cmd *cobra.Command, res *distill.Result) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"run_id":           res.RunID,
			"output":           res.OutputPath,
			"training_pairs":   res.TrainingPairs,
			"evaluation_pairs": res.EvaluationPairs,
			"steps":            res.Steps,
			"evaluations":      res.Evaluations,
			"best_score":       res.BestScore,
			"saved":            res.Saved,
			"duration_ms":      res.Duration.Milliseconds(),
		})
	}

	if res.RunID != "" {
		fmt.Fprintf(out, "Run:          %s\n", res.RunID)
	}
	fmt.Fprintf(out, "Pairs:        %d training, %d evaluation\n", res.TrainingPairs, res.EvaluationPairs)
	fmt.Fprintf(out, "Steps:        %d\n", res.Steps)
	fmt.Fprintf(out, "Evaluations:  %d\n", res.Evaluations)
	fmt.Fprintf(out, "Best score:   %s\n", formatScore(res.BestScore))
	if res.Saved {
		fmt.Fprintf(out, "Student:      %s\n", res.OutputPath)
	} else {
		fmt.Fprintln(out, "Student:      not saved")
	}
	fmt.Fprintf(out, "Duration:     %s\n", res.Duration.Round(time.Millisecond))
	return nil
}
