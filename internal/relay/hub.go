// Package relay fans task events out to live subscribers.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/throw-if-null/taskrelay/internal/api"
)

// Delivery is the outcome of handing one message to a subscriber.
type Delivery int

const (
	Delivered Delivery = iota
	// Dropped means the subscriber is gone or cannot keep up; the hub
	// removes it.
	Dropped
)

// Subscriber receives encoded events. Send must not block and must not call
// back into the Hub.
type Subscriber interface {
	Send(msg []byte) Delivery
}

// Hub maps task ids to subscriber sets. A subscriber is attached to at most
// one task at a time.
type Hub struct {
	mu     sync.RWMutex
	byTask map[string]map[Subscriber]struct{}
	attach map[Subscriber]string
	log    *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		byTask: make(map[string]map[Subscriber]struct{}),
		attach: make(map[Subscriber]string),
		log:    logger,
	}
}

// Subscribe attaches sub to taskID, detaching it from any previous task.
func (h *Hub) Subscribe(taskID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.attach[sub]; ok {
		if prev == taskID {
			return
		}
		h.removeLocked(prev, sub)
	}
	set := h.byTask[taskID]
	if set == nil {
		set = make(map[Subscriber]struct{})
		h.byTask[taskID] = set
	}
	set[sub] = struct{}{}
	h.attach[sub] = taskID
}

// Unsubscribe detaches sub from taskID. Unknown pairs are ignored.
func (h *Hub) Unsubscribe(taskID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.attach[sub] != taskID {
		return
	}
	h.removeLocked(taskID, sub)
}

// Remove detaches sub from whatever task it is attached to.
func (h *Hub) Remove(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if taskID, ok := h.attach[sub]; ok {
		h.removeLocked(taskID, sub)
	}
}

func (h *Hub) removeLocked(taskID string, sub Subscriber) {
	delete(h.attach, sub)
	set := h.byTask[taskID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.byTask, taskID)
	}
}

// TaskOf returns the task sub is attached to, or "".
func (h *Hub) TaskOf(sub Subscriber) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.attach[sub]
}

// Subscribers returns the number of subscribers attached to taskID.
func (h *Hub) Subscribers(taskID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTask[taskID])
}

// Publish encodes ev once and sends it to every subscriber of ev.TaskID.
// Subscribers that drop the message are removed. Publishing to a task with
// no subscribers is a no-op.
//
// Sends happen under the read lock, so a subscriber that moves to another
// task during a publish never receives the old task's event after the move.
func (h *Hub) Publish(ev api.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("relay: encode event", "task_id", ev.TaskID, "type", ev.Type, "err", err)
		return
	}

	var dropped []Subscriber
	h.mu.RLock()
	for s := range h.byTask[ev.TaskID] {
		if s.Send(msg) == Dropped {
			dropped = append(dropped, s)
		}
	}
	h.mu.RUnlock()
	if len(dropped) == 0 {
		return
	}

	h.mu.Lock()
	for _, s := range dropped {
		if h.attach[s] == ev.TaskID {
			h.removeLocked(ev.TaskID, s)
		}
	}
	h.mu.Unlock()
	h.log.Debug("relay: removed subscribers", "task_id", ev.TaskID, "count", len(dropped))
}
