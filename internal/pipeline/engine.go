package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"webship/internal/logger"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Engine executes an ordered stage list under the fault-tolerance policy:
// fatal failures halt the run, tolerant failures downgrade it to unstable,
// and the cleanup hook always runs exactly once at the end.
type Engine struct {
	logger   *logrus.Entry
	recorder Recorder
	nrApp    *newrelic.Application
	endpoint string
	cleanup  func(ctx context.Context)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder persists run progress through the given recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithNewRelic records a transaction per run with a segment per stage.
func WithNewRelic(app *newrelic.Application) Option {
	return func(e *Engine) { e.nrApp = app }
}

// WithEndpoint sets the service URL reported in successful run summaries.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) { e.endpoint = endpoint }
}

// WithCleanup sets the hook that runs unconditionally after the last stage.
func WithCleanup(fn func(ctx context.Context)) Option {
	return func(e *Engine) { e.cleanup = fn }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger: logger.WithModule("pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the stages strictly in list order. No stage is retried and no
// two stages run concurrently. The returned run is the same pointer with its
// results, terminal status, and summary filled in.
func (e *Engine) Execute(ctx context.Context, run *Run, stages []StageDefinition) *Run {
	run.StartedAt = time.Now()

	var txn *newrelic.Transaction
	if e.nrApp != nil {
		txn = e.nrApp.StartTransaction("pipeline-run")
		txn.AddAttribute("build_number", run.BuildNumber)
		txn.AddAttribute("commit_ref", run.CommitRef)
		defer txn.End()
	}

	if e.recorder != nil {
		if err := e.recorder.RunStarted(run); err != nil {
			e.logger.WithError(err).Warn("Failed to record run start")
		}
	}

	log := e.logger.WithField("run", run.BuildNumber)
	log.WithField("commit", run.CommitRef).Info("Pipeline run starting")

	halted := false
	tolerantFailed := false

	for _, stage := range stages {
		if halted {
			e.record(run, StageResult{Name: stage.Name, Outcome: OutcomeSkipped})
			continue
		}

		stageLog := log.WithField("stage", stage.Name)
		stageLog.Info("Stage starting")

		var seg *newrelic.Segment
		if txn != nil {
			seg = txn.StartSegment("stage/" + stage.Name)
		}

		start := time.Now()
		err := stage.Action(ctx)
		duration := time.Since(start)

		if seg != nil {
			seg.End()
		}

		result := StageResult{
			Name:     stage.Name,
			Outcome:  OutcomeOK,
			Duration: duration,
		}
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Diagnostic = Diagnostic(err)
			if stage.Tolerance == Fatal {
				halted = true
				stageLog.WithError(err).Error("Fatal stage failed, halting run")
			} else {
				tolerantFailed = true
				stageLog.WithError(err).Warn("Tolerant stage failed, continuing")
			}
		} else {
			stageLog.WithField("duration", duration.Round(time.Millisecond)).Info("Stage completed")
		}

		// Post-actions run whether the action succeeded or not, and their
		// failures never escalate.
		if stage.Post != nil {
			e.runPost(ctx, stage, stageLog)
		}

		e.record(run, result)
	}

	switch {
	case halted:
		run.Status = StatusFailed
	case tolerantFailed:
		run.Status = StatusUnstable
	default:
		run.Status = StatusSuccess
	}
	run.Summary = e.summarize(run)
	run.FinishedAt = time.Now()

	if txn != nil {
		txn.AddAttribute("status", string(run.Status))
	}

	// Cleanup runs exactly once, after the terminal status is fixed.
	if e.cleanup != nil {
		e.cleanup(ctx)
	}

	if e.recorder != nil {
		if err := e.recorder.RunFinished(run); err != nil {
			e.logger.WithError(err).Warn("Failed to record run finish")
		}
	}

	log.WithFields(logrus.Fields{
		"status":  run.Status,
		"summary": run.Summary,
	}).Info("Pipeline run finished")

	return run
}

func (e *Engine) runPost(ctx context.Context, stage StageDefinition, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Warn("Stage post-action panicked, ignoring")
		}
	}()
	stage.Post(ctx)
}

func (e *Engine) record(run *Run, result StageResult) {
	run.Results = append(run.Results, result)
	if e.recorder != nil {
		if err := e.recorder.StageCompleted(run, result); err != nil {
			e.logger.WithError(err).Warn("Failed to record stage result")
		}
	}
}

func (e *Engine) summarize(run *Run) string {
	if run.Status != StatusFailed {
		if e.endpoint != "" {
			return fmt.Sprintf("deployed build %d at %s", run.BuildNumber, e.endpoint)
		}
		return fmt.Sprintf("build %d finished %s", run.BuildNumber, run.Status)
	}

	failing := run.FailingStage()
	if failing == nil {
		return fmt.Sprintf("build %d failed", run.BuildNumber)
	}
	excerpt := failing.Diagnostic
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "..."
	}
	excerpt = strings.TrimSpace(excerpt)
	if excerpt == "" {
		return fmt.Sprintf("build %d failed at stage %s", run.BuildNumber, failing.Name)
	}
	return fmt.Sprintf("build %d failed at stage %s: %s", run.BuildNumber, failing.Name, excerpt)
}
