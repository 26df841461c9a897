package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/distil/internal/types"
)

func TestWithRun_RunFromContext_RoundTrip(t *testing.T) {
	run := &types.Run{ID: finishedID}
	ctx := WithRun(context.Background(), run)

	got, err := RunFromContext(ctx)
	if err != nil {
		t.Fatalf("RunFromContext() error = %v", err)
	}
	if got != run {
		t.Errorf("RunFromContext() = %p, want %p", got, run)
	}
}

func TestRunFromContext_NoRun(t *testing.T) {
	if _, err := RunFromContext(context.Background()); err != ErrNoRunInContext {
		t.Errorf("err = %v, want ErrNoRunInContext", err)
	}
}

func TestRunFromContext_NilRun(t *testing.T) {
	ctx := WithRun(context.Background(), nil)
	if _, err := RunFromContext(ctx); err != ErrNoRunInContext {
		t.Errorf("err = %v, want ErrNoRunInContext", err)
	}
}

func TestMustRunFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRunFromContext should panic without a run")
		}
	}()
	MustRunFromContext(context.Background())
}

func TestRunMiddleware_ResolvesRun(t *testing.T) {
	s := newMockStore(testRuns()...)
	var seen *types.Run

	r := chi.NewRouter()
	r.With(RunMiddleware(s)).Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		seen = MustRunFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/"+runningID, nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seen == nil || seen.ID != runningID {
		t.Errorf("run in context = %+v", seen)
	}
}

func TestRunMiddleware_UnknownRun(t *testing.T) {
	called := false
	r := chi.NewRouter()
	r.With(RunMiddleware(newMockStore())).Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/runs/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if called {
		t.Error("handler called for unknown run")
	}
}
