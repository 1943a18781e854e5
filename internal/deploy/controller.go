package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"webship/internal/docker"
	"webship/internal/logger"
	"webship/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// State tracks the controller through one container replacement.
type State string

const (
	StateIdle           State = "idle"
	StateReplacing      State = "replacing"
	StateHealthChecking State = "health_checking"
	StatePromoted       State = "promoted"
	StateRolledBack     State = "rolled_back"
)

// Runtime is the container runtime surface the controller needs.
type Runtime interface {
	RemoveContainer(ctx context.Context, name string) error
	RunContainer(ctx context.Context, opts docker.RunOptions) error
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
}

// Target names the single running service instance a run deploys into.
type Target struct {
	Name          string
	PublishedPort int
	ContainerPort int
	HealthPath    string
}

// Controller replaces a running service instance with a new versioned one,
// gating promotion on an HTTP health probe. The cutover is one-way: the
// prior instance is removed before the new one is confirmed healthy, so a
// failed probe surfaces diagnostics instead of restoring the old instance.
type Controller struct {
	runtime Runtime
	probe   *http.Client
	logger  *logrus.Entry

	settleDelay   time.Duration
	probeRetries  int
	probeInterval time.Duration
	logTail       int

	state State
}

func NewController(runtime Runtime, settleDelay time.Duration, probeRetries int, probeInterval time.Duration) *Controller {
	return &Controller{
		runtime:       runtime,
		probe:         &http.Client{Timeout: 10 * time.Second},
		logger:        logger.WithModule("deploy"),
		settleDelay:   settleDelay,
		probeRetries:  probeRetries,
		probeInterval: probeInterval,
		logTail:       100,
		state:         StateIdle,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

// Deploy replaces the target's instance with one running the given image.
// The run identifier is passed into the container environment. At every exit
// path at most one container with the target's name exists: either the new
// instance (promoted or unhealthy-but-running) or none at all.
func (c *Controller) Deploy(ctx context.Context, target Target, image string, buildNumber int) error {
	log := c.logger.WithFields(logrus.Fields{
		"target": target.Name,
		"image":  image,
		"run":    buildNumber,
	})

	c.state = StateReplacing
	log.Info("Replacing deployment target")

	// Idempotent: absence of a prior instance is not an error. This is the
	// point of no return for the old instance.
	if err := c.runtime.RemoveContainer(ctx, target.Name); err != nil {
		c.state = StateRolledBack
		return &pipeline.StageError{Stage: "deploy", Err: err}
	}

	err := c.runtime.RunContainer(ctx, docker.RunOptions{
		Name:          target.Name,
		Image:         image,
		PublishedPort: target.PublishedPort,
		ContainerPort: target.ContainerPort,
		Env:           map[string]string{"BUILD_NUMBER": fmt.Sprintf("%d", buildNumber)},
	})
	if err != nil {
		// Start failed after removal: the slot is empty, which still
		// satisfies the at-most-one invariant.
		c.state = StateRolledBack
		return &pipeline.StageError{Stage: "deploy", Err: err}
	}

	c.state = StateHealthChecking
	log.WithField("settle", c.settleDelay).Info("Waiting for service to settle before health check")

	select {
	case <-time.After(c.settleDelay):
	case <-ctx.Done():
		// Cancelled mid-replacement: the new container is started and owns
		// the slot, so the at-most-one invariant holds. Report the
		// cancellation and leave promotion undecided.
		return ctx.Err()
	}

	url := fmt.Sprintf("http://localhost:%d%s", target.PublishedPort, target.HealthPath)
	if c.healthy(ctx, url, log) {
		c.state = StatePromoted
		log.Info("Deployment promoted")
		return nil
	}

	// Probe budget exhausted: surface the new instance's output for triage.
	// There is no previous image to fall back to.
	c.state = StateRolledBack
	logs, logErr := c.runtime.ContainerLogs(ctx, target.Name, c.logTail)
	if logErr != nil {
		log.WithError(logErr).Warn("Could not fetch diagnostics from unhealthy instance")
		logs = fmt.Sprintf("diagnostics unavailable: %v", logErr)
	}
	log.WithField("diagnostics", logs).Error("Deployment never became healthy")

	return &pipeline.UnhealthyError{
		Target:   target.Name,
		Attempts: c.probeRetries,
		Logs:     logs,
	}
}

func (c *Controller) healthy(ctx context.Context, url string, log *logrus.Entry) bool {
	for attempt := 1; attempt <= c.probeRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := c.probe.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				log.WithFields(logrus.Fields{
					"attempt": attempt,
					"status":  resp.StatusCode,
				}).Info("Health probe succeeded")
				return true
			}
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"status":  resp.StatusCode,
			}).Warn("Health probe returned non-success status")
		} else {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
			}).WithError(err).Warn("Health probe failed")
		}

		if attempt < c.probeRetries {
			select {
			case <-time.After(c.probeInterval):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}
