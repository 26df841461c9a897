package store

import (
	"context"

	"github.com/hyperengineering/distil/internal/types"
)

// Store defines the interface contract for run history storage.
type Store interface {
	CreateRun(ctx context.Context, run types.NewRun) (*types.Run, error)
	SetCorpusSize(ctx context.Context, id string, trainingPairs, evaluationPairs int) error
	RecordEvaluation(ctx context.Context, ev types.Evaluation) error
	FinishRun(ctx context.Context, id string, outcome types.RunOutcome) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	ListRuns(ctx context.Context, limit int) ([]types.Run, error)
	ListEvaluations(ctx context.Context, runID string) ([]types.Evaluation, error)
	DeleteRun(ctx context.Context, id string) error
	GetStats(ctx context.Context) (*types.RunStats, error)
	Close() error
}
