package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/distil/internal/types"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore represents the SQLite-backed run history database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun registers a new run in the running state.
func (s *SQLiteStore) CreateRun(ctx context.Context, in types.NewRun) (*types.Run, error) {
	run := &types.Run{
		ID:           ulid.Make().String(),
		Preset:       in.Preset,
		CorpusPath:   in.CorpusPath,
		OutputPath:   in.OutputPath,
		TeacherModel: in.TeacherModel,
		StudentModel: in.StudentModel,
		Status:       types.RunRunning,
		StartedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, preset, corpus_path, output_path, teacher_model, student_model, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Preset, run.CorpusPath, run.OutputPath, run.TeacherModel, run.StudentModel,
		string(run.Status), run.StartedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// SetCorpusSize records how many training and evaluation pairs a run uses.
func (s *SQLiteStore) SetCorpusSize(ctx context.Context, id string, trainingPairs, evaluationPairs int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET training_pairs = ?, evaluation_pairs = ? WHERE id = ?
	`, trainingPairs, evaluationPairs, id)
	if err != nil {
		return fmt.Errorf("update corpus size: %w", err)
	}
	return requireRow(res)
}

// RecordEvaluation appends an evaluation to its run. A best evaluation
// also becomes the run's best score.
func (s *SQLiteStore) RecordEvaluation(ctx context.Context, ev types.Evaluation) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, ev.RunID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query run: %w", err)
	}
	if types.RunStatus(status) != types.RunRunning {
		return ErrRunFinished
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evaluations (run_id, epoch, step, global_step, score, best, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Epoch, ev.Step, ev.GlobalStep, ev.Score, boolToInt(ev.Best), ev.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}

	if ev.Best {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET best_score = ?, steps = ? WHERE id = ?`,
			ev.Score, ev.GlobalStep, ev.RunID); err != nil {
			return fmt.Errorf("update best score: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET steps = ? WHERE id = ?`,
			ev.GlobalStep, ev.RunID); err != nil {
			return fmt.Errorf("update steps: %w", err)
		}
	}

	return tx.Commit()
}

// FinishRun moves a running run into a terminal state.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, outcome types.RunOutcome) error {
	switch outcome.Status {
	case types.RunSucceeded, types.RunFailed, types.RunCancelled:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, outcome.Status)
	}

	var errText any
	if outcome.Error != "" {
		errText = outcome.Error
	}
	var best any
	if outcome.BestScore != nil {
		best = *outcome.BestScore
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, steps = ?, best_score = COALESCE(?, best_score), error = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(outcome.Status), outcome.Steps, best, errText, time.Now().UTC().Format(timeFormat),
		id, string(types.RunRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return ErrRunFinished
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. limit <= 0 returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]types.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []types.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListEvaluations returns the evaluations of a run in recording order.
func (s *SQLiteStore) ListEvaluations(ctx context.Context, runID string) ([]types.Evaluation, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, epoch, step, global_step, score, best, created_at
		FROM evaluations WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	evs := []types.Evaluation{}
	for rows.Next() {
		var ev types.Evaluation
		var best int
		var created string
		if err := rows.Scan(&ev.RunID, &ev.Epoch, &ev.Step, &ev.GlobalStep, &ev.Score, &best, &created); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		ev.Best = best != 0
		ev.CreatedAt, _ = time.Parse(timeFormat, created)
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// DeleteRun removes a run and its evaluations.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return requireRow(res)
}

// GetStats returns aggregate run counts.
func (s *SQLiteStore) GetStats(ctx context.Context) (*types.RunStats, error) {
	var stats types.RunStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) FROM runs
	`, string(types.RunRunning)).Scan(&stats.RunCount, &stats.ActiveRuns)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &stats, nil
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = `id, preset, corpus_path, output_path, teacher_model, student_model, status,
	training_pairs, evaluation_pairs, steps, best_score, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var (
		run      types.Run
		status   string
		best     sql.NullFloat64
		errText  sql.NullString
		started  string
		finished sql.NullString
	)
	err := row.Scan(&run.ID, &run.Preset, &run.CorpusPath, &run.OutputPath, &run.TeacherModel,
		&run.StudentModel, &status, &run.TrainingPairs, &run.EvaluationPairs, &run.Steps,
		&best, &errText, &started, &finished)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if best.Valid {
		v := best.Float64
		run.BestScore = &v
	}
	run.Error = errText.String
	run.StartedAt, _ = time.Parse(timeFormat, started)
	if finished.Valid {
		t, _ := time.Parse(timeFormat, finished.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
