package stages

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"webship/internal/artifact"
	"webship/internal/config"
	"webship/internal/credentials"
	"webship/internal/deploy"
	"webship/internal/docker"
	"webship/internal/gate"
	"webship/internal/logger"
	"webship/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// Builder assembles the standard release stage list for one run. It owns the
// transient state stages share within a run (produced archives) and hands it
// to the cleanup manager afterwards.
type Builder struct {
	cfg       *config.Config
	creds     *credentials.Store
	tools     ToolRunner
	runtime   *docker.Client
	ctrl      *deploy.Controller
	evaluator *gate.Evaluator
	publisher *artifact.Publisher
	logger    *logrus.Entry

	mu       sync.Mutex
	archives []string
}

func NewBuilder(cfg *config.Config, creds *credentials.Store, tools ToolRunner, runtime *docker.Client, ctrl *deploy.Controller, evaluator *gate.Evaluator, publisher *artifact.Publisher) *Builder {
	return &Builder{
		cfg:       cfg,
		creds:     creds,
		tools:     tools,
		runtime:   runtime,
		ctrl:      ctrl,
		evaluator: evaluator,
		publisher: publisher,
		logger:    logger.WithModule("stages"),
	}
}

// Archives returns the packaging files produced during the run, for cleanup.
func (b *Builder) Archives() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.archives...)
}

func (b *Builder) addArchive(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.archives = append(b.archives, path)
}

// Build returns the ordered stage list for the given run. The order is
// fixed: a release pipeline is sequential, not a build graph. Deployment
// precedes artifact publication so a failed cutover skips publishing work
// the deployment does not need.
func (b *Builder) Build(buildNumber int, commitRef string) []pipeline.StageDefinition {
	return []pipeline.StageDefinition{
		{Name: "checkout", Tolerance: pipeline.Fatal, Action: b.checkout(commitRef)},
		{Name: "install", Tolerance: pipeline.Fatal, Action: b.npm("ci")},
		{Name: "lint", Tolerance: pipeline.Tolerant, Action: b.npmRun("lint"), Post: b.archiveReport("eslint-report.json")},
		{Name: "test", Tolerance: pipeline.Tolerant, Action: b.npmRun("test:ci"), Post: b.archiveReport("junit.xml")},
		{Name: "build", Tolerance: pipeline.Fatal, Action: b.npmRun("build")},
		{Name: "analyze", Tolerance: pipeline.Tolerant, Action: b.analyze(buildNumber)},
		{Name: "quality-gate", Tolerance: pipeline.Tolerant, Action: b.qualityGate()},
		{Name: "image-build", Tolerance: pipeline.Fatal, Action: b.imageBuild(buildNumber)},
		{Name: "scan", Tolerance: pipeline.Tolerant, Action: b.scan(buildNumber), Post: b.archiveReport("trivy-report.json")},
		{Name: "publish-image", Tolerance: pipeline.Tolerant, Action: b.publishImage(buildNumber)},
		{Name: "deploy", Tolerance: pipeline.Fatal, Action: b.deploy(buildNumber)},
		{Name: "publish-artifact", Tolerance: pipeline.Tolerant, Action: b.publishArtifact(buildNumber)},
		{Name: "smoke-test", Tolerance: pipeline.Tolerant, Action: b.smokeTest()},
	}
}

func (b *Builder) checkout(commitRef string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if out, err := b.tools.Run(ctx, b.cfg.WorkDir, "git", []string{"fetch", "--all", "--tags"}, nil); err != nil {
			return &pipeline.StageError{Stage: "checkout", Err: err, Diagnostic: out}
		}
		out, err := b.tools.Run(ctx, b.cfg.WorkDir, "git", []string{"checkout", commitRef}, nil)
		if err != nil {
			return &pipeline.StageError{Stage: "checkout", Err: err, Diagnostic: out}
		}
		return nil
	}
}

func (b *Builder) npm(args ...string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		out, err := b.tools.Run(ctx, b.cfg.WorkDir, "npm", args, nil)
		if err != nil {
			return &pipeline.StageError{Stage: "npm " + args[0], Err: err, Diagnostic: out}
		}
		return nil
	}
}

func (b *Builder) npmRun(script string) func(ctx context.Context) error {
	return b.npm("run", script)
}

// analyze submits the source to the static-analysis server. The token goes
// through the scanner's environment, not its argument list.
func (b *Builder) analyze(buildNumber int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		token, err := b.creds.Lookup(credentials.Analysis)
		if err != nil {
			return &pipeline.StageError{Stage: "analyze", Err: err}
		}
		args := []string{
			"-Dsonar.projectKey=" + b.cfg.ProjectKey,
			"-Dsonar.host.url=" + b.cfg.AnalysisURL,
			fmt.Sprintf("-Dsonar.projectVersion=%d", buildNumber),
		}
		out, err := b.tools.Run(ctx, b.cfg.WorkDir, "sonar-scanner", args,
			map[string]string{"SONAR_TOKEN": token.Secret()})
		if err != nil {
			return &pipeline.StageError{Stage: "analyze", Err: err, Diagnostic: out}
		}
		return nil
	}
}

// qualityGate waits for the gate decision. A gate failure or timeout is a
// tolerant stage failure: the run is never aborted because of the gate.
func (b *Builder) qualityGate() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		decision, err := b.evaluator.Evaluate(ctx, b.cfg.GateTimeout)
		if decision == gate.DecisionPass {
			return nil
		}
		return err
	}
}

func (b *Builder) imageBuild(buildNumber int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		tag := b.cfg.ImageTag(buildNumber)
		out, err := b.runtime.Build(ctx, tag, b.cfg.WorkDir)
		if err != nil {
			return &pipeline.StageError{Stage: "image-build", Err: err, Diagnostic: out}
		}
		// latest always rides along with the newest numbered tag
		if err := b.runtime.Tag(ctx, tag, b.cfg.LatestTag()); err != nil {
			return &pipeline.StageError{Stage: "image-build", Err: err}
		}
		return nil
	}
}

// scan runs the vulnerability scanner against the freshly built image. Any
// retry of database downloads is internal to the scanner.
func (b *Builder) scan(buildNumber int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		args := []string{
			"image",
			"--format", "json",
			"--output", filepath.Join(b.cfg.WorkDir, "trivy-report.json"),
			b.cfg.ImageTag(buildNumber),
		}
		out, err := b.tools.Run(ctx, b.cfg.WorkDir, "trivy", args, nil)
		if err != nil {
			return &pipeline.StageError{Stage: "scan", Err: err, Diagnostic: out}
		}
		return nil
	}
}

func (b *Builder) publishImage(buildNumber int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		cred, err := b.creds.Lookup(credentials.Registry)
		if err != nil {
			return &pipeline.StageError{Stage: "publish-image", Err: err}
		}
		if err := b.runtime.Login(ctx, b.cfg.RegistryURL, cred); err != nil {
			return &pipeline.StageError{Stage: "publish-image", Err: err}
		}
		for _, ref := range []string{b.cfg.ImageTag(buildNumber), b.cfg.LatestTag()} {
			if out, err := b.runtime.Push(ctx, ref); err != nil {
				return &pipeline.StageError{Stage: "publish-image", Err: err, Diagnostic: out}
			}
		}
		return nil
	}
}

func (b *Builder) deploy(buildNumber int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		target := deploy.Target{
			Name:          b.cfg.ServiceName,
			PublishedPort: b.cfg.PublishedPort,
			ContainerPort: 80,
			HealthPath:    b.cfg.HealthPath,
		}
		return b.ctrl.Deploy(ctx, target, b.cfg.ImageTag(buildNumber), buildNumber)
	}
}

func (b *Builder) publishArtifact(buildNumber int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		archive, err := b.publisher.Package(b.cfg.WorkDir, b.cfg.Outputs, buildNumber)
		if err != nil {
			return &pipeline.StageError{Stage: "publish-artifact", Err: err}
		}
		b.addArchive(archive)
		if err := b.publisher.Publish(ctx, archive, buildNumber); err != nil {
			return &pipeline.StageError{Stage: "publish-artifact", Err: err}
		}
		return nil
	}
}

func (b *Builder) smokeTest() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		client := &http.Client{Timeout: 15 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.Endpoint()+b.cfg.HealthPath, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return &pipeline.UnavailableError{Service: "deployed service", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &pipeline.StageError{
				Stage:      "smoke-test",
				Err:        fmt.Errorf("service returned status %d", resp.StatusCode),
				Diagnostic: fmt.Sprintf("GET %s -> %d", b.cfg.Endpoint()+b.cfg.HealthPath, resp.StatusCode),
			}
		}
		return nil
	}
}

// archiveReport copies a tool report into the run's report directory. Report
// archival runs whether the stage passed or failed; a missing report is not
// an error.
func (b *Builder) archiveReport(name string) func(ctx context.Context) {
	return func(ctx context.Context) {
		src := filepath.Join(b.cfg.WorkDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if !os.IsNotExist(err) {
				b.logger.WithError(err).WithField("report", name).Warn("Could not read report")
			}
			return
		}
		dstDir := filepath.Join(b.cfg.WorkDir, b.cfg.ReportDir)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			b.logger.WithError(err).Warn("Could not create report directory")
			return
		}
		if err := os.WriteFile(filepath.Join(dstDir, name), data, 0o644); err != nil {
			b.logger.WithError(err).WithField("report", name).Warn("Could not archive report")
			return
		}
		b.logger.WithField("report", name).Info("Report archived")
	}
}
