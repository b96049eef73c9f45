// Package rollback reverts the file changes of a finished task by running a
// configured command, e.g. a script that restores files from version control.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/paths"
)

// TaskIDEnv names the environment variable carrying the task id.
const TaskIDEnv = "TASKRELAY_TASK_ID"

var ErrUnsafePath = errors.New("change path escapes workspace")

type Config struct {
	// Command is the argv prefix; changed paths are appended. Empty disables
	// reverting.
	Command []string
	// Dir is the workspace the changes were made in.
	Dir string
}

type Reverter struct {
	cfg Config
	exe ExecRunner
	log *slog.Logger
}

func New(cfg Config, exe ExecRunner, logger *slog.Logger) *Reverter {
	if exe == nil {
		exe = &RealExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reverter{cfg: cfg, exe: exe, log: logger}
}

// Revert runs the rollback command for taskID with the changed paths as
// arguments. Every path must stay inside the workspace.
func (r *Reverter) Revert(ctx context.Context, taskID string, changes []api.FileChange) error {
	if len(r.cfg.Command) == 0 {
		return nil
	}
	if err := paths.ValidateTaskID(taskID); err != nil {
		return err
	}

	args := append([]string{}, r.cfg.Command[1:]...)
	for _, c := range changes {
		if r.cfg.Dir != "" {
			if _, err := paths.SafeJoin(r.cfg.Dir, c.Path); err != nil {
				return fmt.Errorf("%w: %v", ErrUnsafePath, err)
			}
		}
		args = append(args, c.Path)
	}

	out, err := r.exe.Run(ctx, r.cfg.Dir, []string{TaskIDEnv + "=" + taskID}, r.cfg.Command[0], args...)
	if err != nil {
		if msg := strings.TrimSpace(out); msg != "" {
			return fmt.Errorf("rollback command: %w: %s", err, msg)
		}
		return fmt.Errorf("rollback command: %w", err)
	}
	r.log.Info("rollback command finished", "task_id", taskID, "paths", len(changes))
	return nil
}
