package engine

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Fake is a scripted engine for tests. It interprets a tiny subset of do-file
// syntax so the rest of the system can be exercised without a Stata
// installation or real timers:
//
//	log using "<path>", replace text   opens the log and writes a header
//	display "<text>"                   appends <text> to the log
//	sleep <ms>                         pauses, honoring RequestBreak
//	error <code>                       fails the run with r(<code>);
//
// Every other line is echoed into the log with a leading ". " the way the
// real engine records commands.
type Fake struct {
	// IgnoreBreak keeps the run going through break requests, emulating an
	// engine that never reaches a checkpoint.
	IgnoreBreak bool
	// SkipLog suppresses all log writes, emulating a run whose log file
	// never appears.
	SkipLog bool
	// StepDelay inserts a pause before each interpreted line.
	StepDelay time.Duration

	breakFlag atomic.Bool
	running   atomic.Bool
	runs      atomic.Int64
}

var _ Engine = (*Fake)(nil)

var doCommandRe = regexp.MustCompile(`^do\s+"(.+)"$`)

// Run interprets the do-file named by command.
func (f *Fake) Run(command string, echo bool) error {
	f.runs.Add(1)
	f.running.Store(true)
	defer f.running.Store(false)
	defer f.breakFlag.Store(false)

	m := doCommandRe.FindStringSubmatch(strings.TrimSpace(command))
	if m == nil {
		return &RunError{Msg: fmt.Sprintf("unrecognized command: %s", command)}
	}
	body, err := os.ReadFile(m[1])
	if err != nil {
		return &RunError{Msg: fmt.Sprintf("file not found: %s", m[1])}
	}

	var log *os.File
	defer func() {
		if log != nil {
			log.Close()
		}
	}()

	for _, line := range strings.Split(string(body), "\n") {
		if f.StepDelay > 0 {
			if interrupted := f.pause(f.StepDelay); interrupted {
				f.writeLine(log, breakMarker)
				return BreakError{}
			}
		}
		if f.breakRequested() {
			f.writeLine(log, breakMarker)
			return BreakError{}
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "*"):
			continue
		case strings.HasPrefix(trimmed, "capture log close"):
			continue
		case strings.HasPrefix(trimmed, "cd "):
			continue
		case strings.HasPrefix(trimmed, "log using "):
			if f.SkipLog {
				continue
			}
			path := extractQuoted(trimmed)
			if path == "" {
				return &RunError{Msg: "invalid log using directive"}
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
			if err != nil {
				return &RunError{Msg: err.Error()}
			}
			log = file
			f.writeHeader(log, path)
		case strings.HasPrefix(trimmed, "display "):
			f.writeLine(log, ". "+trimmed)
			f.writeLine(log, extractQuoted(trimmed))
		case strings.HasPrefix(trimmed, "sleep "):
			f.writeLine(log, ". "+trimmed)
			ms, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(trimmed, "sleep ")))
			if interrupted := f.pause(time.Duration(ms) * time.Millisecond); interrupted {
				f.writeLine(log, breakMarker)
				return BreakError{}
			}
		case strings.HasPrefix(trimmed, "error "):
			code := strings.TrimSpace(strings.TrimPrefix(trimmed, "error "))
			f.writeLine(log, ". "+trimmed)
			f.writeLine(log, fmt.Sprintf("r(%s);", code))
			return &RunError{Msg: fmt.Sprintf("r(%s);", code)}
		default:
			f.writeLine(log, ". "+trimmed)
		}
	}
	return nil
}

// RequestBreak marks the break flag; the interpreter checks it at line
// checkpoints and inside sleeps.
func (f *Fake) RequestBreak() {
	f.breakFlag.Store(true)
}

// Running reports whether a Run call is in flight.
func (f *Fake) Running() bool {
	return f.running.Load()
}

// Runs returns how many Run calls have been made.
func (f *Fake) Runs() int {
	return int(f.runs.Load())
}

func (f *Fake) breakRequested() bool {
	return f.breakFlag.Load() && !f.IgnoreBreak
}

// pause sleeps for d in small slices so a break request lands promptly.
// Reports whether the pause was interrupted.
func (f *Fake) pause(d time.Duration) bool {
	const slice = 5 * time.Millisecond
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if f.breakRequested() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining > slice {
			remaining = slice
		}
		time.Sleep(remaining)
	}
	return f.breakRequested()
}

func (f *Fake) writeHeader(log *os.File, path string) {
	if log == nil {
		return
	}
	fmt.Fprintf(log, "      name:  <unset>\n")
	fmt.Fprintf(log, "       log:  %s\n", path)
	fmt.Fprintf(log, "  log type:  text\n")
	fmt.Fprintf(log, " opened on:  %s\n", time.Now().Format("2 Jan 2006, 15:04:05"))
	fmt.Fprintln(log, strings.Repeat("-", 80))
}

func (f *Fake) writeLine(log *os.File, line string) {
	if log == nil {
		return
	}
	fmt.Fprintln(log, line)
	log.Sync()
}

func extractQuoted(line string) string {
	start := strings.Index(line, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(line[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}
