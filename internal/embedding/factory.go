package embedding

import (
	"context"
	"fmt"

	"github.com/hyperengineering/distil/internal/config"
)

// New builds the encoder described by cfg. Inputs are capped at
// cfg.MaxSeqLength words when it is set.
func New(cfg config.EncoderConfig) (Embedder, error) {
	var (
		e   Embedder
		err error
	)

	switch cfg.Provider {
	case "hugot":
		e, err = NewHugot(cfg.Model, cfg.ModelsDir, cfg.Normalize)
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai encoder %s: missing API key", cfg.Model)
		}
		e = NewOpenAI(cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "ollama":
		e = NewOllama(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown encoder provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Normalize && cfg.Provider != "hugot" {
		e = &normalizing{Embedder: e}
	}
	return WithMaxWords(e, cfg.MaxSeqLength), nil
}

// normalizing scales every output vector to unit length.
type normalizing struct {
	Embedder
}

func (n *normalizing) Embed(ctx context.Context, content string) ([]float32, error) {
	v, err := n.Embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	Normalize(v)
	return v, nil
}

func (n *normalizing) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	vecs, err := n.Embedder.EmbedBatch(ctx, contents)
	if err != nil {
		return nil, err
	}
	for _, v := range vecs {
		Normalize(v)
	}
	return vecs, nil
}

func (n *normalizing) Close() error {
	return Close(n.Embedder)
}
