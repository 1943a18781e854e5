package stages

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ToolRunner invokes an external build tool in a working directory and
// returns its combined output. Secrets travel through the extra environment,
// never through the argument list.
type ToolRunner interface {
	Run(ctx context.Context, dir, name string, args []string, extraEnv map[string]string) (string, error)
}

type execToolRunner struct{}

// NewToolRunner returns the production runner that shells out.
func NewToolRunner() ToolRunner {
	return &execToolRunner{}
}

func (r *execToolRunner) Run(ctx context.Context, dir, name string, args []string, extraEnv map[string]string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", name, err)
	}
	return string(out), nil
}
