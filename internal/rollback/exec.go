package rollback

import (
	"bytes"
	"context"
	"os/exec"
)

// ExecRunner abstracts execution of external commands for testability.
type ExecRunner interface {
	// Run executes name with args in dir with extra environment entries. It
	// returns combined stdout and stderr.
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)
}

// RealExecRunner runs actual commands.
type RealExecRunner struct{}

func (r *RealExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	err := cmd.Run()
	return b.String(), err
}
