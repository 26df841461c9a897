package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hyperengineering/distil/internal/corpus"
)

// lengthEmbedder embeds a sentence as its byte length.
type lengthEmbedder struct {
	batches int
}

func (l *lengthEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	return []float32{float32(len(content))}, nil
}

func (l *lengthEmbedder) EmbedBatch(ctx context.Context, contents []string) ([][]float32, error) {
	l.batches++
	out := make([][]float32, len(contents))
	for i, c := range contents {
		out[i] = []float32{float32(len(c))}
	}
	return out, nil
}

func (l *lengthEmbedder) ModelName() string { return "length" }

func TestEncodeLines_SkipsOversizedLine(t *testing.T) {
	// Given: an input line past the line limit between two sentences
	input := "hello\n" + strings.Repeat("z", 2*corpus.MaxLineBytes) + "\n\n  bye  \n"
	e := &lengthEmbedder{}
	var out bytes.Buffer

	// When: the lines are encoded two at a time
	if err := encodeLines(context.Background(), e, strings.NewReader(input), &out, 2); err != nil {
		t.Fatalf("encodeLines() error = %v", err)
	}

	// Then: only the two sentences are written, trimmed, in order
	var got []encodedSentence
	dec := json.NewDecoder(&out)
	for dec.More() {
		var s encodedSentence
		if err := dec.Decode(&s); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		got = append(got, s)
	}
	if len(got) != 2 || got[0].Sentence != "hello" || got[1].Sentence != "bye" {
		t.Fatalf("output = %+v, want hello and bye", got)
	}
	if got[1].Embedding[0] != 3 {
		t.Errorf("bye embedding = %v, want [3]", got[1].Embedding)
	}
	if e.batches != 1 {
		t.Errorf("batches = %d, want 1", e.batches)
	}
}
