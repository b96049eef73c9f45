package orchestrator

import (
	"sync"
	"time"

	"github.com/throw-if-null/taskrelay/internal/api"
	"github.com/throw-if-null/taskrelay/internal/scanner"
	"github.com/throw-if-null/taskrelay/internal/task"
)

// entry holds everything the orchestrator knows about one task beyond its
// stored row. All fields except refs are guarded by mu; refs is guarded by
// the registry lock.
type entry struct {
	mu   sync.Mutex
	refs int

	// task is the authoritative copy while the task is live or has unsaved
	// changes. Otherwise it is a cache that is dropped on release.
	task  *api.Task
	dirty bool

	proc Process
	scan *scanner.Scanner
	run  *task.Run
	// open interactions awaiting a response, by id
	open map[string]*api.Interaction

	timer    *time.Timer
	timerGen uint64
}

func (e *entry) idle() bool {
	return e.proc == nil && e.timer == nil && !e.dirty
}

// registry maps task ids to entries. An entry exists while some goroutine
// holds it or while it has a live process, an armed timer or unsaved state.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// acquire returns the locked entry for id, creating it if needed.
func (r *registry) acquire(id string) *entry {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil {
		e = &entry{}
		r.entries[id] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	return e
}

// release unlocks e, forgetting it when nothing else needs it. The registry
// lock is taken while e.mu is still held, so an entry that became busy
// cannot be forgotten.
func (r *registry) release(id string, e *entry) {
	idle := e.idle()
	if idle {
		e.task = nil
	}
	r.mu.Lock()
	e.refs--
	if e.refs == 0 && idle && r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	e.mu.Unlock()
}

// has reports whether an entry currently exists for id.
func (r *registry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// live returns the number of entries with a running process.
func (r *registry) live() int {
	n := 0
	for _, id := range r.ids() {
		e := r.acquire(id)
		if e.proc != nil {
			n++
		}
		r.release(id, e)
	}
	return n
}
