package orchestrator

import (
	"context"

	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/runner"
)

// Process is the live handle of one task execution. Chunks must be drained
// until closed; Done closes once ExitCode is valid.
type Process interface {
	Chunks() <-chan runner.Chunk
	Done() <-chan struct{}
	ExitCode() int
	Err() error
	Kill()
	Respond(interactionID, response string) error
}

// Launcher starts the external executable for a task description.
type Launcher interface {
	Launch(ctx context.Context, prompt string) Process
}

// RunnerLauncher launches processes with a runner.Runner.
type RunnerLauncher struct {
	Runner *runner.Runner
}

func (l RunnerLauncher) Launch(ctx context.Context, prompt string) Process {
	return l.Runner.Start(ctx, prompt)
}

// Publisher delivers events to the task's subscribers.
type Publisher interface {
	Publish(ev api.Event)
}

// Reverter undoes the file changes of a finished task.
type Reverter interface {
	Revert(ctx context.Context, taskID string, changes []api.FileChange) error
}

// Store is the durable task record.
type Store interface {
	GetTask(taskID string) (*api.Task, error)
	ListTasks(limit int) ([]*api.Task, error)
	ListByStatus(status api.TaskStatus) ([]*api.Task, error)
	PutTask(t *api.Task) error
	DeleteTask(taskID string) error

	PutInteraction(i *api.Interaction) error
	ListInteractions(taskID string) ([]*api.Interaction, error)
	SetInteractionResponse(taskID, interactionID, response string) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(api.Event) {}
