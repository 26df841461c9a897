package embedding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// fakeEmbeddings implements EmbeddingsService. Each request is answered by
// reply, which sees the request's inputs.
type fakeEmbeddings struct {
	reply    func(inputs []string) ([]openai.Embedding, error)
	requests [][]string
	params   []openai.EmbeddingNewParams
}

func (f *fakeEmbeddings) New(ctx context.Context, params openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var inputs []string
	if arr, ok := params.Input.Value.(openai.EmbeddingNewParamsInputArrayOfStrings); ok {
		inputs = []string(arr)
	}
	f.requests = append(f.requests, inputs)
	f.params = append(f.params, params)

	data, err := f.reply(inputs)
	if err != nil {
		return nil, err
	}
	return &openai.CreateEmbeddingResponse{Data: data}, nil
}

// sentenceLengths answers every input with a one-element vector holding the
// input's length, so results can be matched back to sentences.
func sentenceLengths(inputs []string) ([]openai.Embedding, error) {
	data := make([]openai.Embedding, len(inputs))
	for i, in := range inputs {
		data[i] = openai.Embedding{Index: int64(i), Embedding: []float64{float64(len(in))}}
	}
	return data, nil
}

func newTestTeacher(svc *fakeEmbeddings, dims int64) *OpenAI {
	return &OpenAI{
		embeddings: svc,
		model:      openai.EmbeddingModelTextEmbedding3Small,
		dimensions: dims,
	}
}

func TestOpenAI_Embed(t *testing.T) {
	// Given: A service returning a 768-wide float64 vector
	vec := make([]float64, 768)
	for i := range vec {
		vec[i] = float64(i) * 0.001
	}
	svc := &fakeEmbeddings{reply: func([]string) ([]openai.Embedding, error) {
		return []openai.Embedding{{Embedding: vec}}, nil
	}}

	// When: A sentence is embedded
	got, err := newTestTeacher(svc, 0).Embed(context.Background(), "আমি ভাত খাই")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	// Then: The vector keeps its width and values as float32
	if len(got) != 768 {
		t.Fatalf("len = %d, want 768", len(got))
	}
	for _, i := range []int{0, 1, 767} {
		if got[i] != float32(vec[i]) {
			t.Errorf("got[%d] = %v, want %v", i, got[i], float32(vec[i]))
		}
	}
	if svc.params[0].Dimensions.Present {
		t.Error("dimensions should not be sent when unset")
	}
}

func TestOpenAI_EmbedSendsDimensions(t *testing.T) {
	svc := &fakeEmbeddings{reply: sentenceLengths}

	if _, err := newTestTeacher(svc, 384).Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if d := svc.params[0].Dimensions; !d.Present || d.Value != 384 {
		t.Errorf("dimensions = %+v, want 384", d)
	}
}

func TestOpenAI_EmbedErrors(t *testing.T) {
	apiErr := errors.New("rate limited")
	tests := []struct {
		name    string
		reply   func([]string) ([]openai.Embedding, error)
		wantErr error
	}{
		{
			name:    "api error is wrapped",
			reply:   func([]string) ([]openai.Embedding, error) { return nil, apiErr },
			wantErr: apiErr,
		},
		{
			name:  "no data",
			reply: func([]string) ([]openai.Embedding, error) { return []openai.Embedding{}, nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestTeacher(&fakeEmbeddings{reply: tt.reply}, 0).Embed(context.Background(), "x")
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), "embedding generation failed") {
				t.Errorf("error = %v, want context prefix", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want wrapped %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenAI_EmbedBatchRestoresInputOrder(t *testing.T) {
	// Given: The service answers in reverse order with correct indices
	svc := &fakeEmbeddings{reply: func(inputs []string) ([]openai.Embedding, error) {
		data, _ := sentenceLengths(inputs)
		for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
		return data, nil
	}}

	// When: A batch is embedded
	got, err := newTestTeacher(svc, 0).EmbedBatch(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	// Then: Results line up with the inputs
	for i, want := range []float32{1, 2, 3} {
		if got[i][0] != want {
			t.Errorf("got[%d] = %v, want %v", i, got[i][0], want)
		}
	}
}

func TestOpenAI_EmbedBatchSplitsAtInputLimit(t *testing.T) {
	svc := &fakeEmbeddings{reply: sentenceLengths}
	inputs := make([]string, maxOpenAIInputs+10)
	for i := range inputs {
		inputs[i] = "s"
	}
	inputs[len(inputs)-1] = "last sentence"

	got, err := newTestTeacher(svc, 0).EmbedBatch(context.Background(), inputs)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(got) != len(inputs) {
		t.Fatalf("len = %d, want %d", len(got), len(inputs))
	}
	if len(svc.requests) != 2 || len(svc.requests[0]) != maxOpenAIInputs || len(svc.requests[1]) != 10 {
		t.Errorf("request sizes = %d requests, want [%d 10]", len(svc.requests), maxOpenAIInputs)
	}
	if got[len(got)-1][0] != float32(len("last sentence")) {
		t.Errorf("last embedding = %v", got[len(got)-1])
	}
}

func TestOpenAI_EmbedBatchEmptyInput(t *testing.T) {
	svc := &fakeEmbeddings{reply: sentenceLengths}

	got, err := newTestTeacher(svc, 0).EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("got %v, want empty non-nil slice", got)
	}
	if len(svc.requests) != 0 {
		t.Errorf("made %d requests, want 0", len(svc.requests))
	}
}

func TestOpenAI_EmbedBatchErrors(t *testing.T) {
	apiErr := errors.New("server overloaded")

	t.Run("api error is wrapped", func(t *testing.T) {
		svc := &fakeEmbeddings{reply: func([]string) ([]openai.Embedding, error) { return nil, apiErr }}
		_, err := newTestTeacher(svc, 0).EmbedBatch(context.Background(), []string{"x"})
		if !errors.Is(err, apiErr) {
			t.Errorf("error = %v, want wrapped %v", err, apiErr)
		}
		if err != nil && !strings.Contains(err.Error(), "batch embedding generation failed") {
			t.Errorf("error = %v, want context prefix", err)
		}
	})

	t.Run("short response", func(t *testing.T) {
		svc := &fakeEmbeddings{reply: func(inputs []string) ([]openai.Embedding, error) {
			data, _ := sentenceLengths(inputs)
			return data[:len(data)-1], nil
		}}
		_, err := newTestTeacher(svc, 0).EmbedBatch(context.Background(), []string{"a", "b", "c"})
		if err == nil || !strings.Contains(err.Error(), "expected 3 embeddings") {
			t.Errorf("error = %v, want count mismatch", err)
		}
	})
}

func TestOpenAI_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	teacher := newTestTeacher(&fakeEmbeddings{reply: sentenceLengths}, 0)

	if _, err := teacher.Embed(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("Embed() error = %v, want context.Canceled", err)
	}
	if _, err := teacher.EmbedBatch(ctx, []string{"x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("EmbedBatch() error = %v, want context.Canceled", err)
	}
}

func TestOpenAI_ModelName(t *testing.T) {
	teacher := NewOpenAI("sk-test", "text-embedding-3-large", 0)
	if got := teacher.ModelName(); got != "text-embedding-3-large" {
		t.Errorf("ModelName() = %q", got)
	}
}
