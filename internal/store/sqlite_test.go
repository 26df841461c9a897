package store

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/distil/internal/types"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *SQLiteStore) *types.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), types.NewRun{
		Preset:       "tsv",
		CorpusPath:   "DATA/dataset.txt",
		OutputPath:   "output/bangla-sentence-transformer",
		TeacherModel: "sentence-transformers/stsb-xlm-r-multilingual",
		StudentModel: "xlm-roberta-base",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

func TestStore_CreateAndGetRun(t *testing.T) {
	// Given: A fresh store
	s := newTestStore(t)
	ctx := context.Background()

	// When: A run is created
	run := createRun(t, s)

	// Then: It is running with a ULID and can be read back
	if len(run.ID) != 26 {
		t.Errorf("ID %q is not a ULID", run.ID)
	}
	if run.Status != types.RunRunning {
		t.Errorf("Status = %q, want running", run.Status)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Preset != "tsv" || got.CorpusPath != "DATA/dataset.txt" || got.TeacherModel != run.TeacherModel {
		t.Errorf("GetRun = %+v", got)
	}
	if got.BestScore != nil || got.FinishedAt != nil {
		t.Errorf("new run has best=%v finished=%v", got.BestScore, got.FinishedAt)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_SetCorpusSize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	if err := s.SetCorpusSize(ctx, run.ID, 1200, 480); err != nil {
		t.Fatalf("SetCorpusSize: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.TrainingPairs != 1200 || got.EvaluationPairs != 480 {
		t.Errorf("pairs = %d/%d, want 1200/480", got.TrainingPairs, got.EvaluationPairs)
	}

	if err := s.SetCorpusSize(ctx, "missing", 1, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_RecordEvaluationTracksBest(t *testing.T) {
	// Given: A running run
	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	// When: Three evaluations are recorded, the second one best
	evs := []types.Evaluation{
		{RunID: run.ID, Epoch: 0, Step: 500, GlobalStep: 500, Score: -3, Best: true},
		{RunID: run.ID, Epoch: 0, Step: 1000, GlobalStep: 1000, Score: -2, Best: true},
		{RunID: run.ID, Epoch: 0, Step: -1, GlobalStep: 1200, Score: -2.5},
	}
	for _, ev := range evs {
		if err := s.RecordEvaluation(ctx, ev); err != nil {
			t.Fatalf("RecordEvaluation: %v", err)
		}
	}

	// Then: They are listed in order and the run reflects the best score
	got, err := s.ListEvaluations(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvaluations: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := range evs {
		if got[i].Step != evs[i].Step || got[i].Score != evs[i].Score || got[i].Best != evs[i].Best {
			t.Errorf("[%d] = %+v, want %+v", i, got[i], evs[i])
		}
		if got[i].CreatedAt.IsZero() {
			t.Errorf("[%d] CreatedAt not set", i)
		}
	}

	r, _ := s.GetRun(ctx, run.ID)
	if r.BestScore == nil || *r.BestScore != -2 {
		t.Errorf("BestScore = %v, want -2", r.BestScore)
	}
	if r.Steps != 1200 {
		t.Errorf("Steps = %d, want 1200", r.Steps)
	}
}

func TestStore_RecordEvaluationUnknownRun(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordEvaluation(context.Background(), types.Evaluation{RunID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_FinishRun(t *testing.T) {
	// Given: A running run with a best evaluation
	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)
	if err := s.RecordEvaluation(ctx, types.Evaluation{RunID: run.ID, Score: -4, Best: true}); err != nil {
		t.Fatalf("RecordEvaluation: %v", err)
	}

	// When: It finishes without reporting a best score
	err := s.FinishRun(ctx, run.ID, types.RunOutcome{Status: types.RunSucceeded, Steps: 42})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	// Then: The recorded best survives and the run is closed
	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != types.RunSucceeded || got.Steps != 42 {
		t.Errorf("run = %+v", got)
	}
	if got.BestScore == nil || *got.BestScore != -4 {
		t.Errorf("BestScore = %v, want -4", got.BestScore)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}

	// And: It cannot be finished or evaluated again
	if err := s.FinishRun(ctx, run.ID, types.RunOutcome{Status: types.RunFailed}); !errors.Is(err, ErrRunFinished) {
		t.Errorf("second FinishRun err = %v, want ErrRunFinished", err)
	}
	if err := s.RecordEvaluation(ctx, types.Evaluation{RunID: run.ID}); !errors.Is(err, ErrRunFinished) {
		t.Errorf("RecordEvaluation err = %v, want ErrRunFinished", err)
	}
}

func TestStore_FinishRunFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	err := s.FinishRun(ctx, run.ID, types.RunOutcome{Status: types.RunFailed, Error: "teacher dimension 768 != student 512"})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.Error != "teacher dimension 768 != student 512" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestStore_FinishRunValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)

	if err := s.FinishRun(ctx, run.ID, types.RunOutcome{Status: types.RunRunning}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("err = %v, want ErrInvalidStatus", err)
	}
	if err := s.FinishRun(ctx, "missing", types.RunOutcome{Status: types.RunSucceeded}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := createRun(t, s)
	second := createRun(t, s)
	third := createRun(t, s)

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].ID != third.ID || runs[1].ID != second.ID || runs[2].ID != first.ID {
		t.Errorf("order = %s %s %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	limited, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited len = %d, want 2", len(limited))
	}
}

func TestStore_ListRunsEmpty(t *testing.T) {
	s := newTestStore(t)
	runs, err := s.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs == nil || len(runs) != 0 {
		t.Errorf("runs = %v, want empty slice", runs)
	}
}

func TestStore_DeleteRunCascades(t *testing.T) {
	// Given: A run with evaluations
	s := newTestStore(t)
	ctx := context.Background()
	run := createRun(t, s)
	if err := s.RecordEvaluation(ctx, types.Evaluation{RunID: run.ID, Score: -1, Best: true}); err != nil {
		t.Fatalf("RecordEvaluation: %v", err)
	}

	// When: The run is deleted
	if err := s.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	// Then: Neither it nor its evaluations remain
	if _, err := s.GetRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun err = %v, want ErrNotFound", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM evaluations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("evaluations left = %d, want 0", n)
	}
	if err := s.DeleteRun(ctx, run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRun err = %v, want ErrNotFound", err)
	}
}

func TestStore_GetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	done := createRun(t, s)
	createRun(t, s)
	if err := s.FinishRun(ctx, done.ID, types.RunOutcome{Status: types.RunSucceeded}); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.RunCount != 2 || stats.ActiveRuns != 1 {
		t.Errorf("stats = %+v, want 2 runs, 1 active", stats)
	}
}
