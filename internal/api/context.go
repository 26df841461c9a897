package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/distil/internal/store"
	"github.com/hyperengineering/distil/internal/types"
)

// runContextKey is the context key for the resolved run.
type runContextKey struct{}

// ErrNoRunInContext indicates no run was found in the context.
var ErrNoRunInContext = errors.New("no run in context")

// WithRun returns a new context with the run attached.
func WithRun(ctx context.Context, run *types.Run) context.Context {
	return context.WithValue(ctx, runContextKey{}, run)
}

// RunFromContext extracts the run from the context.
// Returns ErrNoRunInContext if not present or nil.
func RunFromContext(ctx context.Context) (*types.Run, error) {
	run, ok := ctx.Value(runContextKey{}).(*types.Run)
	if !ok || run == nil {
		return nil, ErrNoRunInContext
	}
	return run, nil
}

// MustRunFromContext extracts the run or panics.
// Use only when RunMiddleware guarantees run presence.
func MustRunFromContext(ctx context.Context) *types.Run {
	run, err := RunFromContext(ctx)
	if err != nil {
		panic("run not in context: middleware misconfiguration")
	}
	return run
}

// RunMiddleware resolves the {id} URL parameter to a run and attaches it to
// the request context. Unknown runs get a 404 Problem Details response.
func RunMiddleware(s store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			run, err := s.GetRun(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				MapStoreError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithRun(r.Context(), run)))
		})
	}
}
