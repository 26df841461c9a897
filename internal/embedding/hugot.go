package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
)

// Compile-time interface check
var _ Embedder = (*Hugot)(nil)

// Hugot runs a sentence-transformer ONNX export in-process through a hugot
// feature-extraction pipeline. Token outputs are mean-pooled by the pipeline.
type Hugot struct {
	mu       sync.Mutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	model    string
}

// NewHugot loads model from modelsDir, downloading it from the Hugging Face
// hub on first use. model may also be a path to an exported model directory.
func NewHugot(model, modelsDir string, normalize bool) (*Hugot, error) {
	modelPath, err := resolveModelPath(model, modelsDir)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      model,
	}
	if normalize {
		config.Options = append(config.Options, pipelines.WithNormalization())
	}

	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("create feature extraction pipeline for %s: %w", model, err)
	}

	return &Hugot{
		session:  session,
		pipeline: pipeline,
		model:    model,
	}, nil
}

// Embed generates an embedding vector for the given text.
func (h *Hugot) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := h.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch runs the pipeline over texts. Calls are serialised because a
// pipeline is not safe for concurrent use.
func (h *Hugot) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pipeline == nil {
		return nil, errors.New("hugot encoder is closed")
	}

	result, err := h.pipeline.RunPipeline(texts)
	if err != nil {
		return nil, fmt.Errorf("run pipeline %s: %w", h.model, err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("pipeline %s returned %d embeddings for %d inputs", h.model, len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// ModelName returns the model name the encoder was loaded with.
func (h *Hugot) ModelName() string {
	return h.model
}

// Close destroys the hugot session.
func (h *Hugot) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Destroy()
	h.session = nil
	h.pipeline = nil
	return err
}

// resolveModelPath returns a local directory for model, downloading it into
// modelsDir when neither model nor modelsDir/<name> exists yet.
func resolveModelPath(model, modelsDir string) (string, error) {
	if info, err := os.Stat(model); err == nil && info.IsDir() {
		return model, nil
	}

	local := filepath.Join(modelsDir, strings.ReplaceAll(model, "/", "_"))
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		return local, nil
	}

	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return "", fmt.Errorf("create models directory: %w", err)
	}

	path, err := hugot.DownloadModel(model, modelsDir, hugot.NewDownloadOptions())
	if err != nil {
		return "", fmt.Errorf("download model %s: %w", model, err)
	}
	return path, nil
}
