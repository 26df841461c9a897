package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a distillation run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one distillation run as recorded in the run store.
type Run struct {
	ID              string     `json:"id"`
	Preset          string     `json:"preset"`
	CorpusPath      string     `json:"corpus_path"`
	OutputPath      string     `json:"output_path"`
	TeacherModel    string     `json:"teacher_model"`
	StudentModel    string     `json:"student_model"`
	Status          RunStatus  `json:"status"`
	TrainingPairs   int        `json:"training_pairs"`
	EvaluationPairs int        `json:"evaluation_pairs"`
	Steps           int        `json:"steps"`
	BestScore       *float64   `json:"best_score"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// NewRun is the input for registering a run.
type NewRun struct {
	Preset       string
	CorpusPath   string
	OutputPath   string
	TeacherModel string
	StudentModel string
}

// RunOutcome is the terminal state recorded when a run ends.
type RunOutcome struct {
	Status    RunStatus
	Steps     int
	BestScore *float64
	Error     string
}

// Evaluation is one evaluator score recorded during a run.
type Evaluation struct {
	RunID      string    `json:"run_id"`
	Epoch      int       `json:"epoch"`
	Step       int       `json:"step"` // -1 marks an end-of-epoch evaluation
	GlobalStep int       `json:"global_step"`
	Score      float64   `json:"score"`
	Best       bool      `json:"best"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunDetail bundles a run with its evaluation history.
type RunDetail struct {
	Run
	Evaluations []Evaluation `json:"evaluations"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	TeacherModel string `json:"teacher_model"`
	StudentModel string `json:"student_model"`
	RunCount     int64  `json:"run_count"`
	ActiveRuns   int64  `json:"active_runs"`
}

// RunStats summarises the run store.
type RunStats struct {
	RunCount   int64
	ActiveRuns int64
}

// MarshalJSON ensures nil slices in RunDetail marshal as [] not null.
func (d RunDetail) MarshalJSON() ([]byte, error) {
	if d.Evaluations == nil {
		d.Evaluations = []Evaluation{}
	}
	type Alias RunDetail
	return json.Marshal(Alias(d))
}

// RunList is the response body of the run listing endpoint.
type RunList struct {
	Runs []Run `json:"runs"`
}

// MarshalJSON ensures nil slices in RunList marshal as [] not null.
func (l RunList) MarshalJSON() ([]byte, error) {
	if l.Runs == nil {
		l.Runs = []Run{}
	}
	type Alias RunList
	return json.Marshal(Alias(l))
}

// CheckpointURL is a pre-signed download link for one checkpoint file.
type CheckpointURL struct {
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
