package pipeline

import (
	"context"
	"time"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusUnstable Status = "unstable"
	StatusFailed   Status = "failed"
)

// Outcome is the result of a single stage.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Tolerance classifies how a stage failure affects the run.
type Tolerance string

const (
	// Fatal stages halt the run on failure; remaining stages are skipped.
	Fatal Tolerance = "fatal"
	// Tolerant stages log their failure and let the run continue; the run
	// ends unstable at worst.
	Tolerant Tolerance = "tolerant"
)

// StageDefinition is one named unit of pipeline work. Definitions are built
// before the run starts and never change.
type StageDefinition struct {
	Name      string
	Tolerance Tolerance
	Action    func(ctx context.Context) error
	// Post runs after the action regardless of its outcome, for report
	// archival and similar housekeeping. Post must not escalate: panics
	// are recovered and logged by the engine.
	Post func(ctx context.Context)
}

// StageResult records how one stage finished. Results are appended to the
// run as stages complete and never mutated afterward.
type StageResult struct {
	Name       string        `json:"name"`
	Outcome    Outcome       `json:"outcome"`
	Diagnostic string        `json:"diagnostic,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Run is one pipeline execution, owned exclusively by the engine.
type Run struct {
	BuildNumber int           `json:"build_number"`
	CommitRef   string        `json:"commit_ref"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Status      Status        `json:"status"`
	Summary     string        `json:"summary,omitempty"`
	Results     []StageResult `json:"results"`
}

// FailingStage returns the failure that decided the run: the last failed
// result. A fatal failure halts the run immediately, so when the run is
// failed the last failure is the fatal one.
func (r *Run) FailingStage() *StageResult {
	var failing *StageResult
	for i := range r.Results {
		if r.Results[i].Outcome == OutcomeFailed {
			failing = &r.Results[i]
		}
	}
	return failing
}

// Recorder persists run progress. Recorder errors never affect the run.
type Recorder interface {
	RunStarted(run *Run) error
	StageCompleted(run *Run, result StageResult) error
	RunFinished(run *Run) error
}
