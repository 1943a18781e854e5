package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func stage(name string, tolerance Tolerance, fail bool) StageDefinition {
	return StageDefinition{
		Name:      name,
		Tolerance: tolerance,
		Action: func(ctx context.Context) error {
			if fail {
				return &StageError{Stage: name, Err: errors.New("boom"), Diagnostic: name + " output"}
			}
			return nil
		},
	}
}

func TestExecuteAllStagesSucceed(t *testing.T) {
	engine := NewEngine(WithEndpoint("http://localhost:3000"))
	run := &Run{BuildNumber: 42, CommitRef: "abc123"}

	stages := []StageDefinition{
		stage("checkout", Fatal, false),
		stage("install", Fatal, false),
		stage("deploy", Fatal, false),
	}

	result := engine.Execute(context.Background(), run, stages)

	if result.Status != StatusSuccess {
		t.Errorf("Status = %v, want %v", result.Status, StatusSuccess)
	}
	if len(result.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(result.Results))
	}
	for _, r := range result.Results {
		if r.Outcome != OutcomeOK {
			t.Errorf("stage %s outcome = %v, want %v", r.Name, r.Outcome, OutcomeOK)
		}
	}
	if result.Summary != "deployed build 42 at http://localhost:3000" {
		t.Errorf("Summary = %q", result.Summary)
	}
}

func TestExecuteAllTolerantFailuresNeverAbort(t *testing.T) {
	// Every stage is tolerant and every stage fails: the run must end
	// unstable, never failed, and no stage may be skipped.
	engine := NewEngine()
	run := &Run{BuildNumber: 1}

	var stages []StageDefinition
	for i := 0; i < 5; i++ {
		stages = append(stages, stage(fmt.Sprintf("stage-%d", i), Tolerant, true))
	}

	result := engine.Execute(context.Background(), run, stages)

	if result.Status != StatusUnstable {
		t.Errorf("Status = %v, want %v", result.Status, StatusUnstable)
	}
	if len(result.Results) != 5 {
		t.Fatalf("len(Results) = %d, want 5", len(result.Results))
	}
	for _, r := range result.Results {
		if r.Outcome == OutcomeSkipped {
			t.Errorf("stage %s was skipped; tolerant failures must not halt the run", r.Name)
		}
		if r.Outcome != OutcomeFailed {
			t.Errorf("stage %s outcome = %v, want %v", r.Name, r.Outcome, OutcomeFailed)
		}
	}
}

func TestExecuteFatalFailureSkipsRemainder(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		failAt int
	}{
		{name: "fatal at start", total: 4, failAt: 0},
		{name: "fatal in middle", total: 5, failAt: 2},
		{name: "fatal at end", total: 3, failAt: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine()
			run := &Run{BuildNumber: 1}

			var stages []StageDefinition
			for i := 0; i < tt.total; i++ {
				stages = append(stages, stage(fmt.Sprintf("stage-%d", i), Fatal, i == tt.failAt))
			}

			result := engine.Execute(context.Background(), run, stages)

			if result.Status != StatusFailed {
				t.Errorf("Status = %v, want %v", result.Status, StatusFailed)
			}
			if len(result.Results) != tt.total {
				t.Fatalf("len(Results) = %d, want %d", len(result.Results), tt.total)
			}
			for i, r := range result.Results {
				var want Outcome
				switch {
				case i < tt.failAt:
					want = OutcomeOK
				case i == tt.failAt:
					want = OutcomeFailed
				default:
					want = OutcomeSkipped
				}
				if r.Outcome != want {
					t.Errorf("stage %d outcome = %v, want %v", i, r.Outcome, want)
				}
			}
		})
	}
}

func TestExecuteMixedToleranceDowngradesToUnstable(t *testing.T) {
	engine := NewEngine()
	run := &Run{BuildNumber: 43}

	stages := []StageDefinition{
		stage("install", Fatal, false),
		stage("quality-gate", Tolerant, true),
		stage("image-build", Fatal, false),
		stage("deploy", Fatal, false),
	}

	result := engine.Execute(context.Background(), run, stages)

	if result.Status != StatusUnstable {
		t.Errorf("Status = %v, want %v", result.Status, StatusUnstable)
	}
	// The run proceeded past the tolerant failure
	if result.Results[2].Outcome != OutcomeOK || result.Results[3].Outcome != OutcomeOK {
		t.Errorf("stages after tolerant failure did not run: %+v", result.Results)
	}
}

func TestExecuteCleanupAlwaysRunsOnce(t *testing.T) {
	tests := []struct {
		name   string
		stages []StageDefinition
	}{
		{
			name:   "all succeed",
			stages: []StageDefinition{stage("a", Fatal, false), stage("b", Fatal, false)},
		},
		{
			name:   "fatal failure",
			stages: []StageDefinition{stage("a", Fatal, true), stage("b", Fatal, false)},
		},
		{
			name:   "tolerant failure",
			stages: []StageDefinition{stage("a", Tolerant, true), stage("b", Fatal, false)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanups := 0
			engine := NewEngine(WithCleanup(func(ctx context.Context) {
				cleanups++
			}))
			engine.Execute(context.Background(), &Run{BuildNumber: 1}, tt.stages)
			if cleanups != 1 {
				t.Errorf("cleanup ran %d times, want exactly 1", cleanups)
			}
		})
	}
}

func TestExecutePostActionRunsOnFailureAndNeverEscalates(t *testing.T) {
	postRan := false
	stages := []StageDefinition{
		{
			Name:      "test",
			Tolerance: Tolerant,
			Action: func(ctx context.Context) error {
				return errors.New("tests failed")
			},
			Post: func(ctx context.Context) {
				postRan = true
				panic("archiver exploded")
			},
		},
		stage("build", Fatal, false),
	}

	engine := NewEngine()
	result := engine.Execute(context.Background(), &Run{BuildNumber: 1}, stages)

	if !postRan {
		t.Error("post-action did not run after stage failure")
	}
	if result.Status != StatusUnstable {
		t.Errorf("Status = %v, want %v; post-action panic must not escalate", result.Status, StatusUnstable)
	}
	if result.Results[1].Outcome != OutcomeOK {
		t.Errorf("stage after panicking post-action did not run")
	}
}

func TestExecuteFailedSummaryNamesFailingStage(t *testing.T) {
	engine := NewEngine()
	run := &Run{BuildNumber: 44}

	stages := []StageDefinition{
		stage("lint", Tolerant, true),
		stage("deploy", Fatal, true),
		stage("smoke-test", Tolerant, false),
	}

	result := engine.Execute(context.Background(), run, stages)

	if result.Status != StatusFailed {
		t.Fatalf("Status = %v, want %v", result.Status, StatusFailed)
	}
	failing := result.FailingStage()
	if failing == nil || failing.Name != "deploy" {
		t.Fatalf("FailingStage = %+v, want deploy", failing)
	}
	want := "build 44 failed at stage deploy: deploy output"
	if result.Summary != want {
		t.Errorf("Summary = %q, want %q", result.Summary, want)
	}
}

type countingRecorder struct {
	started  int
	stages   int
	finished int
	failOn   string
}

func (r *countingRecorder) RunStarted(run *Run) error {
	r.started++
	return nil
}

func (r *countingRecorder) StageCompleted(run *Run, result StageResult) error {
	r.stages++
	if result.Name == r.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (r *countingRecorder) RunFinished(run *Run) error {
	r.finished++
	return nil
}

func TestExecuteRecorderErrorsDoNotAffectRun(t *testing.T) {
	rec := &countingRecorder{failOn: "install"}
	engine := NewEngine(WithRecorder(rec))

	stages := []StageDefinition{
		stage("checkout", Fatal, false),
		stage("install", Fatal, false),
	}

	result := engine.Execute(context.Background(), &Run{BuildNumber: 7}, stages)

	if result.Status != StatusSuccess {
		t.Errorf("Status = %v, want %v; recorder errors must be swallowed", result.Status, StatusSuccess)
	}
	if rec.started != 1 || rec.finished != 1 || rec.stages != 2 {
		t.Errorf("recorder calls = %d/%d/%d, want 1/2/1", rec.started, rec.stages, rec.finished)
	}
}
