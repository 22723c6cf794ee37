package exec

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"statad/internal/engine"
	"statad/internal/logging"
)

// ErrOutputMissing reports that the log file never appeared within the
// grace period after the worker finished. Non-fatal; callers substitute
// MissingLogText.
var ErrOutputMissing = errors.New("log file not found after execution")

// Runner drives one engine run on a dedicated worker goroutine so the
// submitting flow never blocks on the engine.
type Runner struct {
	eng         engine.Engine
	logger      logging.Logger
	outputGrace time.Duration
}

// NewRunner returns a runner bound to eng.
func NewRunner(eng engine.Engine, logger logging.Logger) *Runner {
	return &Runner{
		eng:         eng,
		logger:      logging.OrNop(logger),
		outputGrace: 2 * time.Second,
	}
}

// Handle observes a worker in flight. Err is valid once Done is closed.
type Handle struct {
	done chan struct{}
	err  error
}

// Done is closed when the worker goroutine exits.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the engine error, if any. Only meaningful after Done.
func (h *Handle) Err() error { return h.err }

// Finished reports whether the worker has exited, without blocking.
func (h *Handle) Finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Start launches the worker. It fails fast with engine.ErrUnavailable when
// no engine is bound, without starting a goroutine. Errors inside the
// worker, panics included, are captured and handed back through the handle.
func (r *Runner) Start(command string) (*Handle, error) {
	if r.eng == nil {
		return nil, engine.ErrUnavailable
	}
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Engine worker panicked: %v", rec)
				h.err = &engine.RunError{Msg: fmt.Sprintf("worker panic: %v", rec)}
			}
		}()
		h.err = r.eng.Run(command, false)
	}()
	return h, nil
}

// ReadOutput reads the trimmed log content after a run. When the worker has
// finished but the file is absent it waits up to the grace period before
// reporting ErrOutputMissing with the placeholder text.
func (r *Runner) ReadOutput(logFile string) (string, error) {
	deadline := time.Now().Add(r.outputGrace)
	for {
		content, err := os.ReadFile(logFile)
		if err == nil {
			return TrimLog(string(content)), nil
		}
		if time.Now().After(deadline) {
			r.logger.Warn("Log file not found after execution: %s", logFile)
			return MissingLogText, ErrOutputMissing
		}
		time.Sleep(100 * time.Millisecond)
	}
}

var inlineDirectiveRe = regexp.MustCompile(`\{[^}]*\}`)

// TrimLog strips the log header (everything through the dashed separator in
// the first lines), the trailing close directive and anything after it,
// inline SMCL codes, and redundant blank lines.
func TrimLog(content string) string {
	lines := strings.Split(content, "\n")

	start := 0
	for i, line := range lines {
		if i >= 20 {
			break
		}
		if strings.Contains(line, "-------------") {
			start = i + 1
			break
		}
	}

	end := len(lines)
	for end > start {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" ||
			strings.HasPrefix(trimmed, ". capture log close") ||
			strings.HasPrefix(trimmed, "capture log close") {
			end--
			continue
		}
		break
	}

	var out []string
	for i := start; i < end; i++ {
		line := strings.TrimRight(lines[i], " \t\r")
		if strings.Contains(line, "{") {
			line = inlineDirectiveRe.ReplaceAllString(line, "")
		}
		// Collapse runs of blank lines and drop leading ones.
		if strings.TrimSpace(line) == "" && (len(out) == 0 || strings.TrimSpace(out[len(out)-1]) == "") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
