// Package orchestrator runs tasks: it starts the executable for each task,
// turns its output into task state and interaction requests, persists every
// change and publishes it to subscribers.
//
// Mutations of one task are serialized on that task's registry entry; distinct
// tasks proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/runner"
	"github.com/throw-if-null/taskrelay/internal/scanner"
	"github.com/throw-if-null/taskrelay/internal/task"
)

const (
	msgStarted     = "Task started execution"
	msgCompleted   = "Task completed successfully"
	msgFailed      = "Task failed"
	msgInterrupted = "Task was interrupted by user"
	msgRolledBack  = "Task changes were rolled back"
	msgProcessed   = "Interaction response processed"
	msgOrphaned    = "Task was running when the daemon stopped"

	stderrPrefix = "ERROR: "
)

type Options struct {
	Store    Store
	Launcher Launcher
	// Publisher defaults to discarding events.
	Publisher Publisher
	// Reverter is optional; without one rollback only changes task state.
	Reverter Reverter
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewString.
	NewID func() string
}

type Orchestrator struct {
	store    Store
	launcher Launcher
	pub      Publisher
	reverter Reverter
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	reg *registry

	// runs outlive the request that started them
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	gen    uint64
	pumps  sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    opts.Store,
		launcher: opts.Launcher,
		pub:      opts.Publisher,
		reverter: opts.Reverter,
		log:      opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
		reg:      newRegistry(),
	}
	if o.pub == nil {
		o.pub = nopPublisher{}
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

// load returns the current task for an acquired entry.
func (o *Orchestrator) load(e *entry, id string) (*api.Task, error) {
	if e.task != nil {
		return e.task, nil
	}
	t, err := o.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	e.task = t
	return t, nil
}

// persist writes the entry's task. A failure leaves the entry dirty so the
// next mutation retries it.
func (o *Orchestrator) persist(e *entry) error {
	if err := o.store.PutTask(e.task.Clone()); err != nil {
		e.dirty = true
		return fmt.Errorf("persist task %s: %w", e.task.ID, err)
	}
	e.dirty = false
	return nil
}

func (o *Orchestrator) publishStatus(t *api.Task, message string, res *api.Result) {
	o.pub.Publish(api.Event{
		Type:    api.EventStatusUpdate,
		TaskID:  t.ID,
		Status:  t.Status,
		Message: message,
		Result:  res,
	})
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Submit creates a pending task. It starts right away unless ScheduledFor is
// in the future, in which case a timer starts it at that instant.
func (o *Orchestrator) Submit(ctx context.Context, req *api.CreateTaskRequest) (*api.Task, error) {
	if err := task.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if o.isClosed() {
		return nil, ErrClosed
	}
	now := o.now()
	t := task.New(o.newID(), req, now)

	e := o.reg.acquire(t.ID)
	defer o.reg.release(t.ID, e)

	e.task = t
	if err := o.persist(e); err != nil {
		e.task = nil
		e.dirty = false
		return nil, err
	}
	o.log.Info("task submitted", "task_id", t.ID, "type", t.Type, "scheduled_for", t.ScheduledFor)

	if task.Due(t, now) {
		if err := o.begin(e); errors.Is(err, ErrClosed) {
			// stays pending in the store for the next Recover
			return nil, err
		} else if err != nil {
			return t.Clone(), err
		}
	} else {
		o.arm(e, t.ID, t.ScheduledFor.Sub(now))
	}
	return t.Clone(), nil
}

// arm starts the deferred trigger for a pending task, replacing any earlier one.
func (o *Orchestrator) arm(e *entry, id string, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.mu.Unlock()
	e.timerGen = gen
	e.timer = time.AfterFunc(d, func() { o.fire(id, gen) })
	o.log.Debug("task scheduled", "task_id", id, "in", d)
}

func (o *Orchestrator) fire(id string, gen uint64) {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	if e.timer == nil || e.timerGen != gen {
		return
	}
	e.timer = nil
	if o.isClosed() {
		return
	}
	t, err := o.load(e, id)
	if err != nil {
		o.log.Warn("scheduled task vanished", "task_id", id, "err", err)
		return
	}
	if t.Status != api.StatusPending {
		return
	}
	if err := o.begin(e); err != nil {
		o.log.Error("scheduled start", "task_id", id, "err", err)
	}
}

// begin moves a loaded pending task to running and launches its process.
// Once Close has started it returns ErrClosed and leaves the task pending.
// Any other error only reports a failed save; the run proceeds regardless.
func (o *Orchestrator) begin(e *entry) error {
	t := e.task
	if err := task.Check(t.Status, api.StatusRunning); err != nil {
		return err
	}
	// The pump is counted under the same lock Close takes to flip closed, so
	// Close either sees it in pumps.Wait or this call sees closed.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.pumps.Add(1)
	o.mu.Unlock()

	if err := task.Apply(t, api.StatusRunning, o.now()); err != nil {
		o.pumps.Done()
		return err
	}
	perr := o.persist(e)
	o.publishStatus(t, msgStarted, nil)

	runCtx, run := task.StartRun(o.baseCtx, t)
	proc := o.launcher.Launch(runCtx, t.Description)
	e.proc = proc
	e.run = run
	e.scan = scanner.New(t.ID)
	e.open = make(map[string]*api.Interaction)
	o.log.Info("task started", "task_id", t.ID)

	go o.pump(t.ID, proc)
	return perr
}

// pump forwards one process's output and exit to the orchestrator. It drains
// the process even after the task stopped caring about it.
func (o *Orchestrator) pump(id string, proc Process) {
	defer o.pumps.Done()
	for c := range proc.Chunks() {
		o.onChunk(id, proc, c)
	}
	<-proc.Done()
	o.onExit(id, proc)
}

func (o *Orchestrator) onChunk(id string, proc Process, c runner.Chunk) {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	if e.proc != proc {
		return
	}
	t := e.task

	text := c.Data
	if c.Stream == runner.Stderr {
		text = stderrPrefix + text
	}
	t.Output += text
	if err := o.persist(e); err != nil {
		o.log.Warn("persist output", "task_id", id, "err", err)
	}
	o.pub.Publish(api.Event{Type: api.EventOutputUpdate, TaskID: id, Output: text})

	if c.Stream != runner.Stdout {
		return
	}
	for _, r := range e.scan.Feed(c.Data) {
		if r.State == scanner.Discarded {
			o.log.Warn("discarded interaction request", "task_id", id, "err", r.Err)
			continue
		}
		i := r.Interaction
		e.open[i.ID] = i
		if err := o.store.PutInteraction(i); err != nil {
			o.log.Warn("persist interaction", "task_id", id, "interaction_id", i.ID, "err", err)
		}
		e.run.Interaction(i)
		o.pub.Publish(api.Event{Type: api.EventInteractionRequest, TaskID: id, Interaction: i})
	}
}

func (o *Orchestrator) onExit(id string, proc Process) {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	if e.proc != proc {
		// interrupted or deleted first
		return
	}
	t := e.task
	code := proc.ExitCode()

	res, found := scanner.ExtractResult(t.Output)
	res.Success = code == 0
	t.Changes = res.Changes

	status, message := api.StatusCompleted, msgCompleted
	if code != 0 {
		status, message = api.StatusFailed, msgFailed
		if err := proc.Err(); err != nil && code == runner.SpawnFailedExitCode {
			message = msgFailed + ": " + err.Error()
		}
	}
	if err := task.Apply(t, status, o.now()); err != nil {
		o.log.Error("apply exit", "task_id", id, "err", err)
		return
	}
	o.detach(e)
	if err := o.persist(e); err != nil {
		o.log.Error("persist finished task", "task_id", id, "err", err)
	}
	o.publishStatus(t, message, &res)
	e.run.End(status, code)
	e.run = nil
	o.log.Info("task finished", "task_id", id, "status", status, "exit_code", code, "result_found", found, "changes", len(t.Changes))
}

// detach forgets the live process of e without waiting for it.
func (o *Orchestrator) detach(e *entry) {
	e.proc = nil
	e.scan = nil
	e.open = nil
}

// Interrupt kills a running task and marks it interrupted without waiting for
// the process to exit.
func (o *Orchestrator) Interrupt(ctx context.Context, id string) (*api.Task, error) {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	t, err := o.load(e, id)
	if err != nil {
		return nil, err
	}
	if err := task.Check(t.Status, api.StatusInterrupted); err != nil {
		return nil, err
	}
	if e.proc == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotRunning, id)
	}
	err = o.interruptLocked(e, msgInterrupted)
	return t.Clone(), err
}

func (o *Orchestrator) interruptLocked(e *entry, message string) error {
	t := e.task
	e.proc.Kill()
	o.detach(e)
	if err := task.Apply(t, api.StatusInterrupted, o.now()); err != nil {
		return err
	}
	perr := o.persist(e)
	o.publishStatus(t, message, nil)
	e.run.End(api.StatusInterrupted, -1)
	e.run = nil
	o.log.Info("task interrupted", "task_id", t.ID)
	return perr
}

// Rollback reverts a finished task's changes and marks it rolled back. A
// revert failure leaves the task untouched.
func (o *Orchestrator) Rollback(ctx context.Context, id string) (*api.Task, error) {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	t, err := o.load(e, id)
	if err != nil {
		return nil, err
	}
	if err := task.Check(t.Status, api.StatusRolledBack); err != nil {
		return nil, err
	}
	if o.reverter != nil {
		if err := o.reverter.Revert(ctx, id, t.Changes); err != nil {
			return nil, fmt.Errorf("rollback %s: %w", id, err)
		}
	}
	if err := task.Apply(t, api.StatusRolledBack, o.now()); err != nil {
		return nil, err
	}
	perr := o.persist(e)
	o.publishStatus(t, msgRolledBack, nil)
	o.log.Info("task rolled back", "task_id", id)
	return t.Clone(), perr
}

// Delete kills a live process or cancels a pending trigger, then removes the
// task and its interactions.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	if _, err := o.load(e, id); err != nil {
		return err
	}
	if e.proc != nil {
		e.proc.Kill()
		o.detach(e)
		e.run.End(api.StatusInterrupted, -1)
		e.run = nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if err := o.store.DeleteTask(id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	e.task = nil
	e.dirty = false
	o.log.Info("task deleted", "task_id", id)
	return nil
}

// ForwardResponse delivers a response for an open interaction to the task's
// running process.
func (o *Orchestrator) ForwardResponse(ctx context.Context, taskID, interactionID, response string) error {
	e := o.reg.acquire(taskID)
	defer o.reg.release(taskID, e)
	t, err := o.load(e, taskID)
	if err != nil {
		return err
	}
	if e.proc == nil || t.Status != api.StatusRunning {
		return fmt.Errorf("%w: task %s is %s", ErrNotRunning, taskID, t.Status)
	}
	if _, ok := e.open[interactionID]; !ok {
		return fmt.Errorf("%w: %s", ErrInteractionNotFound, interactionID)
	}
	if err := e.proc.Respond(interactionID, response); err != nil {
		return fmt.Errorf("forward response: %w", err)
	}
	delete(e.open, interactionID)
	if err := o.store.SetInteractionResponse(taskID, interactionID, response); err != nil {
		o.log.Warn("persist interaction response", "task_id", taskID, "interaction_id", interactionID, "err", err)
	}
	o.pub.Publish(api.Event{
		Type:          api.EventInteractionProcessed,
		TaskID:        taskID,
		InteractionID: interactionID,
		Message:       msgProcessed,
	})
	return nil
}

// Get returns a copy of the task's current state.
func (o *Orchestrator) Get(ctx context.Context, id string) (*api.Task, error) {
	e := o.reg.acquire(id)
	defer o.reg.release(id, e)
	t, err := o.load(e, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns tasks newest first, with live state for tasks being run.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*api.Task, error) {
	tasks, err := o.store.ListTasks(limit)
	if err != nil {
		return nil, err
	}
	for i, t := range tasks {
		if !o.reg.has(t.ID) {
			continue
		}
		e := o.reg.acquire(t.ID)
		if e.task != nil {
			tasks[i] = e.task.Clone()
		}
		o.reg.release(t.ID, e)
	}
	return tasks, nil
}

// Interactions returns every interaction recorded for a task, oldest first.
func (o *Orchestrator) Interactions(ctx context.Context, id string) ([]*api.Interaction, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListInteractions(id)
}

// Live reports the number of tasks with a running process.
func (o *Orchestrator) Live() int {
	return o.reg.live()
}

// Close stops every pending trigger and interrupts every live task. It waits
// for process output to drain or for ctx to end.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var errs []error
	for _, id := range o.reg.ids() {
		e := o.reg.acquire(id)
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.proc != nil {
			if err := o.interruptLocked(e, msgInterrupted); err != nil {
				errs = append(errs, err)
			}
		}
		o.reg.release(id, e)
	}
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
