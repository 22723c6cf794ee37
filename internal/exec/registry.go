package exec

import (
	"sync"
	"time"
)

// Execution is one tracked run. The registry owns the struct exclusively;
// other components hold only the id.
type Execution struct {
	ID        string
	ScriptRef string
	StartTime time.Time
	Cancelled bool
	State     State
}

// Status is a point-in-time snapshot for status reporting.
type Status struct {
	ID        string        `json:"execution_id"`
	ScriptRef string        `json:"file"`
	State     State         `json:"state"`
	Elapsed   time.Duration `json:"-"`
	Cancelled bool          `json:"cancelled"`
}

// Registry tracks one engine's executions plus the "current execution"
// slot. Every registration claims the slot: an engine accepts one command
// stream at a time, so there is never more than one live entry per
// registry (pool sessions each own their own). It is an injectable struct
// rather than package state so orchestrators in tests do not contaminate
// each other.
//
// All mutation happens under one mutex with short critical sections; no I/O
// while holding it.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Execution
	currentID string
	clock     func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Execution),
		clock:   time.Now,
	}
}

// Register creates an entry for id and claims the current-execution slot,
// failing with ErrAlreadyCurrent if another execution holds it.
func (r *Registry) Register(id, scriptRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentID != "" {
		return ErrAlreadyCurrent
	}
	r.entries[id] = &Execution{
		ID:        id,
		ScriptRef: scriptRef,
		StartTime: r.clock(),
		State:     StateRunning,
	}
	r.currentID = id
	return nil
}

// MarkCancelled sets the cancel flag for id. Idempotent: reports whether the
// flag transitioned from false to true. Once set, the flag is never unset.
func (r *Registry) MarkCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.Cancelled {
		return false
	}
	e.Cancelled = true
	return true
}

// MarkCurrentCancelled cancels whichever execution holds the current slot.
// It returns the cancelled id, or "" when nothing is current.
func (r *Registry) MarkCurrentCancelled() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentID == "" {
		return ""
	}
	if e, ok := r.entries[r.currentID]; ok {
		e.Cancelled = true
	}
	return r.currentID
}

// IsCancelled reports the cancel flag for id.
func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return ok && e.Cancelled
}

// SetState records a terminal state. The first terminal transition wins;
// later calls are ignored so an execution ends exactly once.
func (r *Registry) SetState(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State.Terminal() {
		return
	}
	e.State = state
}

// Unregister removes the entry and releases the current slot if id holds
// it. Called exactly once, by the submitting flow after it has observed the
// terminal state.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	if r.currentID == id {
		r.currentID = ""
	}
}

// StatusOf returns a snapshot for id or ErrNotFound.
func (r *Registry) StatusOf(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Status{}, ErrNotFound
	}
	return r.snapshot(e), nil
}

// Current returns the status of the current execution, if any.
func (r *Registry) Current() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[r.currentID]
	if !ok {
		return Status{}, false
	}
	return r.snapshot(e), true
}

// Len reports how many executions are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshot(e *Execution) Status {
	return Status{
		ID:        e.ID,
		ScriptRef: e.ScriptRef,
		State:     e.State,
		Elapsed:   r.clock().Sub(e.StartTime),
		Cancelled: e.Cancelled,
	}
}
