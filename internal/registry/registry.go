// Package registry tracks which transfer items have a running transport
// attempt. The pipeline consults it before scheduling work so an item is
// never driven by two goroutines, and uses it to cancel attempts when an
// item is withdrawn.
package registry

import (
	"context"
	"sync"

	"github.com/driveq/driveq/internal/models"
)

type entry struct {
	lane   models.Lane
	taskID int
	cancel context.CancelFunc
}

// Registry maps item keys to their live attempts.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Begin registers a live attempt for key and returns a context derived from
// parent that Cancel and CancelAll will end. Beginning a key that is
// already tracked cancels the earlier attempt first.
func (r *Registry) Begin(parent context.Context, key string, lane models.Lane) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	prev, existed := r.entries[key]
	r.entries[key] = entry{lane: lane, cancel: cancel}
	r.mu.Unlock()
	if existed {
		prev.cancel()
	}
	return ctx
}

// SetTask records the transport task identifier once the transport has
// assigned one.
func (r *Registry) SetTask(key string, taskID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.taskID = taskID
		r.entries[key] = e
	}
}

// End removes the attempt and releases its context.
func (r *Registry) End(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Active reports whether key has a live attempt.
func (r *Registry) Active(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Cancel ends the attempt for key, if any, and reports whether one existed.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// CancelAll ends every live attempt. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]entry)
	r.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
}

// Len reports the number of live attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Tasks reports the transport task identifiers live on one lane.
func (r *Registry) Tasks(lane models.Lane) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for _, e := range r.entries {
		if e.lane == lane && e.taskID != 0 {
			ids = append(ids, e.taskID)
		}
	}
	return ids
}
