// Package session routes executions either to a single shared engine or to
// a pool of isolated per-session engines behind one capability interface,
// chosen once at startup.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"statad/internal/exec"
)

// Options configures one submission.
type Options struct {
	// SessionID selects an isolated session in pool mode; ignored by the
	// shared engine.
	SessionID string
	// Timeout bounds the execution; zero means the router's default.
	Timeout time.Duration
	// WorkingDir is where the script runs (outputs, graph exports). Empty
	// defaults to the do-file's own directory for file runs.
	WorkingDir string
	// AutoNameGraphs enables graph auto-naming and post-run detection.
	AutoNameGraphs bool
}

// Result is the assembled outcome of a blocking submission.
type Result struct {
	State   exec.State      `json:"state"`
	Output  string          `json:"output"`
	Graphs  []exec.Artifact `json:"graphs,omitempty"`
	Elapsed time.Duration   `json:"-"`
	LogFile string          `json:"log_file,omitempty"`
}

// StopInfo reports what a stop request did.
type StopInfo struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Method      string `json:"method"`
}

// Router is the uniform execute/stop contract the transport layer talks
// to. Two implementations exist: Single (shared engine) and Pool (isolated
// sessions).
type Router interface {
	// ExecuteFile runs a do-file and blocks until its terminal state.
	ExecuteFile(ctx context.Context, path string, opts Options) (*Result, error)
	// Execute runs a code selection, surfacing only the output inside the
	// sentinel window.
	Execute(ctx context.Context, code string, opts Options) (*Result, error)
	// StreamFileJob prepares a file run for streaming consumption.
	StreamFileJob(path string, opts Options) (exec.StreamJob, error)
	// StreamSelectionJob prepares a selection run for streaming.
	StreamSelectionJob(code string, opts Options) (exec.StreamJob, error)
	// Stop requests cancellation of the session's current execution.
	Stop(sessionID string) (StopInfo, error)
	// Status snapshots the current execution, if any.
	Status(sessionID string) (exec.Status, bool)
}

// FormatResult renders the user-visible result string for a blocking
// submission. Every terminal outcome opens with a fixed banner so
// consumers classify outcomes without parsing arbitrary text.
func FormatResult(scriptRef string, out exec.Outcome) string {
	entry := fmt.Sprintf(">>> [%s] do '%s'", time.Now().Format("2006-01-02 15:04:05"), scriptRef)

	var b strings.Builder
	b.WriteString(entry)
	b.WriteString("\n")
	switch out.State {
	case exec.StateCompleted:
		fmt.Fprintf(&b, "*** Execution completed in %.1f seconds ***\n", out.Elapsed.Seconds())
		b.WriteString("Final output:\n")
		b.WriteString(out.Output)
	case exec.StateCancelled:
		b.WriteString(out.Output)
		b.WriteString("\n\n")
		b.WriteString(exec.StoppedBanner)
	case exec.StateTimedOut:
		fmt.Fprintf(&b, "*** TIMEOUT: Execution exceeded %.0f seconds ***\n", out.Timeout.Seconds())
		b.WriteString(out.Output)
	case exec.StateFailed:
		msg := "unknown error"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		fmt.Fprintf(&b, "*** ERROR: %s ***\n", msg)
		b.WriteString(out.Output)
	}

	if len(out.Graphs) > 0 {
		rule := strings.Repeat("=", 60)
		fmt.Fprintf(&b, "\n\n%s\n", rule)
		fmt.Fprintf(&b, "GRAPHS DETECTED: %d graph(s) created\n", len(out.Graphs))
		b.WriteString(rule)
		for _, g := range out.Graphs {
			fmt.Fprintf(&b, "\n  • %s: %s", g.Name, g.Path)
		}
	}
	if out.State == exec.StateCompleted && out.LogFile != "" {
		fmt.Fprintf(&b, "\n\nLog file saved to: %s", out.LogFile)
	}
	return b.String()
}

// logFileName derives the log file base for a script, optionally suffixed
// with the session id so parallel sessions never contend on one file.
func logFileName(scriptPath, sessionID string) string {
	base := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
	if sessionID != "" {
		return base + "_" + sessionID + ".log"
	}
	return base + ".log"
}
