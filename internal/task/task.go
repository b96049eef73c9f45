package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/throw-if-null/taskrelay/internal/api"
)

// ErrInvalidTransition is matched by every TransitionError.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a rejected transition and which current status blocked it.
type TransitionError struct {
	Current   api.TaskStatus
	Requested api.TaskStatus
	Allowed   []api.TaskStatus
}

func (e *TransitionError) Error() string {
	allowed := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		allowed = append(allowed, string(s))
	}
	if len(allowed) == 0 {
		return fmt.Sprintf("cannot move task to %s: task is %s and %s is never reachable", e.Requested, e.Current, e.Requested)
	}
	return fmt.Sprintf("cannot move task to %s: task is %s, requires %s", e.Requested, e.Current, strings.Join(allowed, " or "))
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// sources lists, for each target status, the statuses it may be entered from.
var sources = map[api.TaskStatus][]api.TaskStatus{
	api.StatusRunning:     {api.StatusPending},
	api.StatusCompleted:   {api.StatusRunning},
	api.StatusFailed:      {api.StatusRunning},
	api.StatusInterrupted: {api.StatusRunning},
	api.StatusRolledBack:  {api.StatusCompleted, api.StatusFailed},
}

// Allowed returns the statuses from which to may be entered.
func Allowed(to api.TaskStatus) []api.TaskStatus {
	return append([]api.TaskStatus(nil), sources[to]...)
}

// Check validates from -> to without touching any task.
func Check(from, to api.TaskStatus) error {
	for _, s := range sources[to] {
		if s == from {
			return nil
		}
	}
	return &TransitionError{Current: from, Requested: to, Allowed: Allowed(to)}
}

// Apply moves t to status to, stamping CompletedAt the first time t becomes
// terminal. On error t is left unchanged.
func Apply(t *api.Task, to api.TaskStatus, now time.Time) error {
	if err := Check(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	if to.IsTerminal() && t.CompletedAt == nil {
		ts := now.UTC()
		t.CompletedAt = &ts
	}
	return nil
}

// New builds a pending task from a create request. ID and timestamps are supplied by the caller.
func New(id string, r *api.CreateTaskRequest, now time.Time) *api.Task {
	mode := r.ApprovalMode
	if mode == "" {
		mode = api.ApprovalManual
	}
	t := &api.Task{
		ID:           id,
		Description:  r.Description,
		Type:         r.Type,
		Status:       api.StatusPending,
		CreatedAt:    now.UTC(),
		ApprovalMode: mode,
		Changes:      []api.FileChange{},
	}
	if r.ScheduledFor != nil {
		ts := r.ScheduledFor.UTC()
		t.ScheduledFor = &ts
	}
	return t
}

// Validate checks a create request before any task is allocated.
func Validate(r *api.CreateTaskRequest) error {
	if strings.TrimSpace(r.Description) == "" {
		return errors.New("description is required")
	}
	if r.Type == "" {
		return errors.New("type is required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown task type %q", r.Type)
	}
	if r.ApprovalMode != "" && !r.ApprovalMode.Valid() {
		return fmt.Errorf("unknown approval mode %q", r.ApprovalMode)
	}
	return nil
}

// Due reports whether t should start now rather than wait for its schedule.
func Due(t *api.Task, now time.Time) bool {
	return t.ScheduledFor == nil || !t.ScheduledFor.After(now)
}
