package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"webship/internal/credentials"
	"webship/internal/logger"
	"webship/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// Decision is the quality-gate verdict for an analysis.
type Decision string

const (
	DecisionPass    Decision = "pass"
	DecisionFail    Decision = "fail"
	DecisionTimeout Decision = "timeout"
)

type projectStatusResponse struct {
	ProjectStatus struct {
		Status string `json:"status"`
	} `json:"projectStatus"`
}

// Evaluator polls the analysis server for the quality-gate decision on a
// project. The decision never aborts a run: deployability is deliberately
// not coupled to the analysis service's availability.
type Evaluator struct {
	baseURL      string
	projectKey   string
	token        credentials.Credential
	client       *http.Client
	pollInterval time.Duration
	logger       *logrus.Entry
}

func NewEvaluator(baseURL, projectKey string, token credentials.Credential) *Evaluator {
	return &Evaluator{
		baseURL:      baseURL,
		projectKey:   projectKey,
		token:        token,
		client:       &http.Client{Timeout: 15 * time.Second},
		pollInterval: 5 * time.Second,
		logger:       logger.WithModule("gate"),
	}
}

// SetPollInterval shortens the poll loop, used by tests.
func (e *Evaluator) SetPollInterval(d time.Duration) {
	e.pollInterval = d
}

// Evaluate polls until a decision arrives or the timeout budget is spent.
func (e *Evaluator) Evaluate(ctx context.Context, timeout time.Duration) (Decision, error) {
	deadline := time.Now().Add(timeout)

	for {
		decision, err := e.poll(ctx)
		if err == nil && decision != "" {
			e.logger.WithField("decision", decision).Info("Quality gate decision received")
			if decision == DecisionFail {
				return DecisionFail, fmt.Errorf("quality gate reported failure for project %s", e.projectKey)
			}
			return decision, nil
		}
		if err != nil {
			e.logger.WithError(err).Debug("Quality gate poll attempt failed")
		}

		if time.Now().After(deadline) {
			e.logger.WithField("timeout", timeout).Warn("Quality gate decision did not arrive in time")
			return DecisionTimeout, &pipeline.TimeoutError{Op: "quality gate poll", Budget: timeout}
		}

		wait := e.pollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return DecisionTimeout, ctx.Err()
		}
	}
}

// poll returns an empty decision when the analysis is still pending.
func (e *Evaluator) poll(ctx context.Context) (Decision, error) {
	url := fmt.Sprintf("%s/api/qualitygates/project_status?projectKey=%s", e.baseURL, e.projectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	if e.token.Secret() != "" {
		req.Header.Set("Authorization", "Bearer "+e.token.Secret())
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &pipeline.UnavailableError{Service: "analysis server", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("analysis server returned status %d", resp.StatusCode)
	}

	var body projectStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode project status: %w", err)
	}

	switch body.ProjectStatus.Status {
	case "OK":
		return DecisionPass, nil
	case "ERROR":
		return DecisionFail, nil
	default:
		// IN_PROGRESS, NONE and anything else mean no decision yet
		return "", nil
	}
}
