package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newOllamaServer(t *testing.T, handler http.HandlerFunc) *Ollama {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllama(srv.URL+"/", "paraphrase-multilingual")
}

func TestOllama_EmbedBatch(t *testing.T) {
	var got ollamaEmbedRequest
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(got.Input))}
		for i := range resp.Embeddings {
			resp.Embeddings[i] = []float32{float32(i), 1}
		}
		json.NewEncoder(w).Encode(resp)
	})

	vecs, err := o.EmbedBatch(context.Background(), []string{"hello", "নমস্কার"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}

	if got.Model != "paraphrase-multilingual" {
		t.Errorf("request model = %q", got.Model)
	}
	if len(got.Input) != 2 || got.Input[1] != "নমস্কার" {
		t.Errorf("request input = %q", got.Input)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestOllama_Embed(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[0.5,0.25]]}`))
	})

	v, err := o.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(v) != 2 || v[0] != 0.5 {
		t.Errorf("Embed() = %v", v)
	}
}

func TestOllama_ErrorStatus(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := o.EmbedBatch(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "status 404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error = %v", err)
	}
}

func TestOllama_CountMismatch(t *testing.T) {
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[[1]]}`))
	})

	_, err := o.EmbedBatch(context.Background(), []string{"a", "b"})
	if err == nil || !strings.Contains(err.Error(), "1 embeddings for 2 inputs") {
		t.Errorf("error = %v, want count mismatch", err)
	}
}

func TestOllama_EmptyInputSkipsRequest(t *testing.T) {
	called := false
	o := newOllamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	vecs, err := o.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vecs) != 0 || called {
		t.Errorf("vecs = %v, called = %v", vecs, called)
	}
}
