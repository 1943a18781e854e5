package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// StageError wraps a failed stage action together with the tool output that
// explains the failure.
type StageError struct {
	Stage      string
	Err        error
	Diagnostic string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a bounded wait that exceeded its budget (quality-gate
// poll, health probe).
type TimeoutError struct {
	Op     string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Op, e.Budget)
}

// UnavailableError reports a collaborator that could not be reached at all.
type UnavailableError struct {
	Service string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// UnhealthyError reports a new deployment that never passed its health probe.
// Logs carries the instance's diagnostic output for operator triage.
type UnhealthyError struct {
	Target   string
	Attempts int
	Logs     string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("deployment %s unhealthy after %d probe attempts", e.Target, e.Attempts)
}

// Diagnostic extracts the most useful operator-facing text from an error.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) && se.Diagnostic != "" {
		return se.Diagnostic
	}
	var ue *UnhealthyError
	if errors.As(err, &ue) && ue.Logs != "" {
		return ue.Logs
	}
	return err.Error()
}
