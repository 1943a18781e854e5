package docker

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"webship/internal/credentials"
	"webship/internal/logger"

	"github.com/sirupsen/logrus"
)

// Runner executes the docker binary. The production runner shells out; tests
// substitute a fake.
type Runner interface {
	// Run executes the command and returns its combined output.
	Run(ctx context.Context, stdin string, args ...string) (string, error)
}

type execRunner struct {
	bin string
}

func (r *execRunner) Run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("docker %s: %w", args[0], err)
	}
	return string(out), nil
}

// Image is one local image as reported by the runtime.
type Image struct {
	ID        string
	Tag       string
	CreatedAt time.Time
}

// RunOptions describe a container to start.
type RunOptions struct {
	Name          string
	Image         string
	PublishedPort int
	ContainerPort int
	Env           map[string]string
}

// Client wraps the container runtime CLI.
type Client struct {
	runner Runner
	logger *logrus.Entry
}

func NewClient() *Client {
	return &Client{
		runner: &execRunner{bin: "docker"},
		logger: logger.WithModule("docker"),
	}
}

// NewClientWithRunner is used by tests to substitute the command runner.
func NewClientWithRunner(r Runner) *Client {
	return &Client{
		runner: r,
		logger: logger.WithModule("docker"),
	}
}

// Login authenticates against a registry. The secret travels over stdin and
// never appears in the argument list.
func (c *Client) Login(ctx context.Context, registry string, cred credentials.Credential) error {
	_, err := c.runner.Run(ctx, cred.Secret(),
		"login", registry, "--username", cred.Username, "--password-stdin")
	if err != nil {
		return fmt.Errorf("registry login failed: %w", err)
	}
	c.logger.WithField("registry", registry).Info("Registry login established")
	return nil
}

// Logout revokes the locally cached registry login.
func (c *Client) Logout(ctx context.Context, registry string) error {
	_, err := c.runner.Run(ctx, "", "logout", registry)
	return err
}

// Build builds an image from the given directory.
func (c *Client) Build(ctx context.Context, tag, dir string) (string, error) {
	out, err := c.runner.Run(ctx, "", "build", "-t", tag, dir)
	if err != nil {
		return out, fmt.Errorf("image build failed: %w", err)
	}
	return out, nil
}

// Tag adds a second reference to an existing image.
func (c *Client) Tag(ctx context.Context, src, dst string) error {
	_, err := c.runner.Run(ctx, "", "tag", src, dst)
	return err
}

// Push uploads an image reference to its registry.
func (c *Client) Push(ctx context.Context, ref string) (string, error) {
	out, err := c.runner.Run(ctx, "", "push", ref)
	if err != nil {
		return out, fmt.Errorf("image push failed: %w", err)
	}
	return out, nil
}

// Digest returns the content identifier of a local image reference.
func (c *Client) Digest(ctx context.Context, ref string) (string, error) {
	out, err := c.runner.Run(ctx, "", "inspect", "--format", "{{.Id}}", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoveContainer stops and removes a named container. A missing container
// is not an error; the operation is idempotent.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	out, err := c.runner.Run(ctx, "", "rm", "-f", name)
	if err != nil {
		if strings.Contains(out, "No such container") {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// RunContainer starts a detached container with the restart policy
// unless-stopped.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) error {
	args := []string{
		"run", "-d",
		"--name", opts.Name,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:%d", opts.PublishedPort, opts.ContainerPort),
	}
	// Deterministic env ordering keeps invocations reproducible
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}
	args = append(args, opts.Image)

	out, err := c.runner.Run(ctx, "", args...)
	if err != nil {
		return fmt.Errorf("failed to start container %s: %s", opts.Name, strings.TrimSpace(out))
	}
	c.logger.WithFields(logrus.Fields{
		"container": opts.Name,
		"image":     opts.Image,
	}).Info("Container started")
	return nil
}

// ContainerLogs returns the last lines of a container's output.
func (c *Client) ContainerLogs(ctx context.Context, name string, tail int) (string, error) {
	out, err := c.runner.Run(ctx, "", "logs", "--tail", fmt.Sprintf("%d", tail), name)
	if err != nil {
		return "", fmt.Errorf("failed to fetch logs for %s: %w", name, err)
	}
	return out, nil
}

const imageTimeLayout = "2006-01-02 15:04:05 -0700 MST"

// Images lists the local images for a repository, newest first.
func (c *Client) Images(ctx context.Context, repo string) ([]Image, error) {
	out, err := c.runner.Run(ctx, "",
		"images", "--format", "{{.ID}}\t{{.Tag}}\t{{.CreatedAt}}", repo)
	if err != nil {
		return nil, fmt.Errorf("failed to list images for %s: %w", repo, err)
	}

	var images []Image
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		created, err := time.Parse(imageTimeLayout, strings.TrimSpace(parts[2]))
		if err != nil {
			c.logger.WithField("line", line).Debug("Skipping unparsable image line")
			continue
		}
		images = append(images, Image{
			ID:        parts[0],
			Tag:       parts[1],
			CreatedAt: created,
		})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

// RemoveImage removes a local image by ID or reference.
func (c *Client) RemoveImage(ctx context.Context, ref string) error {
	_, err := c.runner.Run(ctx, "", "rmi", "-f", ref)
	return err
}
