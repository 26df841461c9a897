package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/distil/internal/config"
	"github.com/hyperengineering/distil/internal/corpus"
	"github.com/hyperengineering/distil/internal/embedding"
	"github.com/hyperengineering/distil/internal/student"
)

var encodeCheckpoint string

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Embed sentences from stdin with a saved student",
	Long: `Read one sentence per line from stdin and write one JSON object per line
to stdout: {"sentence": "...", "embedding": [...]}. Blank lines are skipped,
as are lines over 1 MiB, which are logged.`,
	Args: cobra.NoArgs,
	RunE: runEncode,
}

func init() {
	encodeCmd.Flags().StringVar(&encodeCheckpoint, "checkpoint", "",
		"Student checkpoint directory (defaults to the preset's output path)")
}

type encodedSentence struct {
	Sentence  string    `json:"sentence"`
	Embedding []float32 `json:"embedding"`
}

func runEncode(cmd *cobra.Command, args []string) error {
	dir := encodeCheckpoint
	if dir == "" {
		dir = appConfig.Training.OutputPath
	}

	model, manifest, err := student.Load(dir, studentBase)
	if err != nil {
		if errors.Is(err, student.ErrNoCheckpoint) {
			return fmt.Errorf("no student checkpoint in %s", dir)
		}
		return err
	}
	defer model.Close()
	slog.Info("student loaded",
		"component", "cli",
		"path", dir,
		"run_id", manifest.RunID,
		"base", manifest.Base.Model,
		"dimension", model.Dimension(),
	)

	return encodeLines(cmd.Context(), model, cmd.InOrStdin(), cmd.OutOrStdout(), appConfig.Training.InferenceBatchSize)
}

// studentBase rebuilds a checkpoint's base encoder. Secrets are never
// written to manifests, so they come from the current configuration.
func studentBase(cfg config.EncoderConfig) (embedding.Embedder, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = appConfig.Student.APIKey
	}
	return embedding.New(cfg)
}

// encodeLines embeds r line by line in batches and writes JSON lines to w.
func encodeLines(ctx context.Context, e embedding.Embedder, r io.Reader, w io.Writer, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 32
	}
	lines := corpus.NewLineReader(r, corpus.MaxLineBytes)
	enc := json.NewEncoder(w)

	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		vecs, err := e.EmbedBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		for i, s := range batch {
			if err := enc.Encode(encodedSentence{Sentence: s, Embedding: vecs[i]}); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}

	for n := 1; lines.Scan(); n++ {
		if lines.Oversized() {
			slog.Warn("skipping oversized input line",
				"component", "encode",
				"line", n,
				"limit_bytes", corpus.MaxLineBytes,
			)
			continue
		}
		line := strings.TrimSpace(lines.Text())
		if line == "" {
			continue
		}
		batch = append(batch, line)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return flush()
}
