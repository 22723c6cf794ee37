// Package exec is the execution core: it tracks in-flight runs, drives the
// engine on a worker goroutine, escalates timeouts and stop requests through
// interruption tiers, and tails the engine's log file for streaming.
package exec

import (
	"errors"
	"time"
)

// State describes where an execution is in its lifecycle. The terminal
// states are mutually exclusive and final.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s != StateRunning && s != ""
}

// Artifact describes a side artifact (an exported graph) discovered after a
// run.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Outcome is the fully assembled result of one execution. Timeout carries
// the configured bound, not the measured elapsed time; timeout banners echo
// the limit the caller set.
type Outcome struct {
	State   State
	Output  string
	Partial bool
	Err     error
	Graphs  []Artifact
	Elapsed time.Duration
	Timeout time.Duration
	LogFile string
}

var (
	// ErrAlreadyCurrent rejects a submission while the shared engine is
	// busy; the engine accepts only one command stream at a time.
	ErrAlreadyCurrent = errors.New("an execution is already in progress")
	// ErrNotFound reports an unknown execution id.
	ErrNotFound = errors.New("execution not found")
)

// Stream terminal markers and result banners. Downstream consumers classify
// outcomes by these fixed prefixes instead of parsing arbitrary text.
const (
	CompletedMarker = "*** Execution completed ***"
	ErrorPrefix     = "ERROR: "
	StoppedBanner   = "=== Execution stopped ==="
	MissingLogText  = "*** WARNING: Log file not found after execution ***"
)
