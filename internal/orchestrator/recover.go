package orchestrator

import (
	"context"
	"errors"

	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/task"
)

type RecoverOptions struct {
	// FailOrphaned marks tasks stored as running, but with no live process,
	// as failed.
	FailOrphaned bool
	// ResumePending re-arms scheduled tasks and starts overdue ones.
	ResumePending bool
}

type RecoverReport struct {
	Failed  int
	Started int
	Armed   int
}

// Recover reconciles stored state with this process after a restart. The
// stored pending row is the durable record of a schedule.
func (o *Orchestrator) Recover(ctx context.Context, opts RecoverOptions) (RecoverReport, error) {
	var rep RecoverReport
	var errs []error

	if opts.FailOrphaned {
		running, err := o.store.ListByStatus(api.StatusRunning)
		if err != nil {
			return rep, err
		}
		for _, t := range running {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			failed, err := o.failOrphan(t)
			if err != nil {
				errs = append(errs, err)
			}
			if failed {
				rep.Failed++
			}
		}
	}

	if opts.ResumePending {
		pending, err := o.store.ListByStatus(api.StatusPending)
		if err != nil {
			return rep, errors.Join(append(errs, err)...)
		}
		for _, t := range pending {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			started, armed, err := o.resume(t)
			if err != nil {
				errs = append(errs, err)
			}
			if started {
				rep.Started++
			}
			if armed {
				rep.Armed++
			}
		}
	}

	o.log.Info("recovery finished", "failed", rep.Failed, "started", rep.Started, "armed", rep.Armed)
	return rep, errors.Join(errs...)
}

func (o *Orchestrator) failOrphan(stored *api.Task) (bool, error) {
	e := o.reg.acquire(stored.ID)
	defer o.reg.release(stored.ID, e)
	if e.proc != nil {
		return false, nil
	}
	if e.task == nil {
		e.task = stored
	}
	t := e.task
	if err := task.Apply(t, api.StatusFailed, o.now()); err != nil {
		return false, nil
	}
	perr := o.persist(e)
	o.publishStatus(t, msgOrphaned, nil)
	o.log.Warn("failed orphaned task", "task_id", t.ID)
	return true, perr
}

func (o *Orchestrator) resume(stored *api.Task) (started, armed bool, err error) {
	e := o.reg.acquire(stored.ID)
	defer o.reg.release(stored.ID, e)
	if e.proc != nil || e.timer != nil {
		return false, false, nil
	}
	if e.task == nil {
		e.task = stored
	}
	t := e.task
	if t.Status != api.StatusPending {
		return false, false, nil
	}
	now := o.now()
	if task.Due(t, now) {
		if err := o.begin(e); errors.Is(err, ErrClosed) {
			return false, false, err
		} else if err != nil {
			return true, false, err
		}
		return true, false, nil
	}
	o.arm(e, t.ID, t.ScheduledFor.Sub(now))
	return false, true, nil
}
