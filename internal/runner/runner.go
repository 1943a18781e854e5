package runner

import (
	"context"
	"fmt"
	"sync"

	"webship/internal/artifact"
	"webship/internal/cleanup"
	"webship/internal/config"
	"webship/internal/credentials"
	"webship/internal/database"
	"webship/internal/deploy"
	"webship/internal/docker"
	"webship/internal/gate"
	"webship/internal/logger"
	"webship/internal/pipeline"
	"webship/internal/stages"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// ErrRunInFlight reports a trigger for a deployment target that already has
// a run executing.
var ErrRunInFlight = fmt.Errorf("a run is already in flight for this deployment target")

// Runner launches pipeline runs. Runs for the same deployment target are
// serialized: at most one run mutates a target's container slot at any time.
type Runner struct {
	cfg    *config.Config
	store  *database.Store
	nrApp  *newrelic.Application
	logger *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(cfg *config.Config, store *database.Store, nrApp *newrelic.Application) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    store,
		nrApp:    nrApp,
		logger:   logger.WithModule("runner"),
		inFlight: make(map[string]bool),
	}
}

// TryAcquire claims the deployment target's run slot.
func (r *Runner) TryAcquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[r.cfg.ServiceName] {
		return ErrRunInFlight
	}
	r.inFlight[r.cfg.ServiceName] = true
	return nil
}

// Release frees the deployment target's run slot. Launch calls it on every
// exit path; callers only need it when a claimed run never launches.
func (r *Runner) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, r.cfg.ServiceName)
}

// AllocateBuildNumber resolves the run identifier: a configured override or
// the next monotonic number from the run store.
func (r *Runner) AllocateBuildNumber() (int, error) {
	if r.cfg.BuildNumber != 0 {
		return r.cfg.BuildNumber, nil
	}
	return r.store.NextBuildNumber()
}

// Launch executes one full pipeline run for the given commit. The caller
// must have acquired the target slot with TryAcquire; Launch releases it.
func (r *Runner) Launch(ctx context.Context, buildNumber int, commitRef string) (*pipeline.Run, error) {
	defer r.Release()

	creds := credentials.FromEnv()
	runtime := docker.NewClient()
	tools := stages.NewToolRunner()

	ctrl := deploy.NewController(runtime, r.cfg.SettleDelay, r.cfg.HealthRetries, r.cfg.HealthDelay)

	analysisToken, err := creds.Lookup(credentials.Analysis)
	if err != nil {
		return nil, err
	}
	evaluator := gate.NewEvaluator(r.cfg.AnalysisURL, r.cfg.ProjectKey, analysisToken)

	artifactCred, err := creds.Lookup(credentials.Artifacts)
	if err != nil {
		return nil, err
	}
	publisher := artifact.NewPublisher(r.cfg.ArtifactRepoURL, r.cfg.ArtifactGroup, r.cfg.ArtifactID, artifactCred)

	builder := stages.NewBuilder(r.cfg, creds, tools, runtime, ctrl, evaluator, publisher)
	manager := cleanup.NewManager(runtime, r.cfg.ImageRepo, r.cfg.RegistryURL, r.cfg.RetainImages)

	engine := pipeline.NewEngine(
		pipeline.WithRecorder(r.store),
		pipeline.WithNewRelic(r.nrApp),
		pipeline.WithEndpoint(r.cfg.Endpoint()),
		pipeline.WithCleanup(func(ctx context.Context) {
			manager.Run(ctx, builder.Archives())
		}),
	)

	run := &pipeline.Run{
		BuildNumber: buildNumber,
		CommitRef:   commitRef,
	}

	r.logger.WithFields(logrus.Fields{
		"run":    buildNumber,
		"commit": commitRef,
		"target": r.cfg.ServiceName,
	}).Info("Launching pipeline run")

	return engine.Execute(ctx, run, builder.Build(buildNumber, commitRef)), nil
}
