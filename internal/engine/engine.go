package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Engine is the binding to a stateful, single-threaded Stata instance.
//
// Run blocks until the engine finishes the command. Output goes to the log
// file the script opens via `log using`, not to the return value. A single
// instance accepts only one command stream at a time; callers serialize.
type Engine interface {
	// Run executes a command string such as `do "file.do"`.
	Run(command string, echo bool) error
	// RequestBreak asks the engine to stop at its next interruptible
	// checkpoint. Best-effort and non-blocking; the engine may keep running
	// until it reaches one.
	RequestBreak()
}

// Terminator is implemented by bindings that have a real process boundary
// and can therefore be killed outright. The in-process binding deliberately
// does not implement it: there is nothing to kill without corrupting the
// host process.
type Terminator interface {
	Terminate() error
}

// ErrUnavailable reports that no engine is initialized. Submissions must
// fail fast without starting a worker.
var ErrUnavailable = errors.New("engine not available")

// breakMarker is the text Stata puts in errors raised at a break checkpoint.
const breakMarker = "--Break--"

// BreakError is returned by Run when execution stopped at a break
// checkpoint after RequestBreak.
type BreakError struct{}

func (BreakError) Error() string { return breakMarker }

// RunError wraps an internal engine failure with the raw message the engine
// reported, surfaced verbatim to callers.
type RunError struct {
	Msg string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("engine error: %s", e.Msg)
}

// IsBreak reports whether err represents a break-interrupted run, either as
// a BreakError or as a raw engine message carrying the break marker.
func IsBreak(err error) bool {
	if err == nil {
		return false
	}
	var be BreakError
	if errors.As(err, &be) {
		return true
	}
	return strings.Contains(err.Error(), breakMarker)
}
