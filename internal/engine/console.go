package engine

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"statad/internal/logging"

	"github.com/google/uuid"
)

// Console binds to a console-mode Stata process kept alive across runs so
// state (data in memory, globals) persists the way it does in the GUI.
//
// Unlike an in-process embedding, the console binding has a real process
// boundary, so it implements Terminator: a stuck run can be killed without
// corrupting the host.
type Console struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger logging.Logger
	closed bool
}

var (
	_ Engine     = (*Console)(nil)
	_ Terminator = (*Console)(nil)
)

var returnCodeRe = regexp.MustCompile(`^r\((\d+)\);`)

// NewConsole starts a console Stata process from the given binary.
func NewConsole(binary string, logger logging.Logger) (*Console, error) {
	if binary == "" {
		return nil, ErrUnavailable
	}
	cmd := exec.Command(binary, "-q")
	// Own process group so a break signal does not hit the server itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	c := &Console{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		logger: logging.OrNop(logger),
	}
	c.logger.Info("Started console engine %s (pid %d)", binary, cmd.Process.Pid)
	return c, nil
}

// Run feeds the command to the console and blocks until the engine reports
// it finished. Output destined for callers goes to the log file the script
// opens; stdout is only scanned for completion and error markers.
func (c *Console) Run(command string, echo bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnavailable
	}

	token := "__statad_done_" + uuid.NewString()[:8] + "__"
	if _, err := fmt.Fprintf(c.stdin, "%s\ndisplay \"%s\"\n", command, token); err != nil {
		return &RunError{Msg: fmt.Sprintf("engine process unreachable: %v", err)}
	}

	for {
		line, err := c.stdout.ReadString('\n')
		if err != nil {
			return &RunError{Msg: "engine process exited mid-run"}
		}
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == token:
			return nil
		case strings.Contains(trimmed, breakMarker):
			// Drain up to our token so the next run starts clean.
			c.drainTo(token)
			return BreakError{}
		case returnCodeRe.MatchString(trimmed):
			c.drainTo(token)
			return &RunError{Msg: trimmed}
		}
	}
}

func (c *Console) drainTo(token string) {
	for {
		line, err := c.stdout.ReadString('\n')
		if err != nil || strings.TrimSpace(line) == token {
			return
		}
	}
}

// RequestBreak delivers SIGINT, which console Stata treats as a Break at its
// next checkpoint.
func (c *Console) RequestBreak() {
	if c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Signal(syscall.SIGINT); err != nil {
		c.logger.Warn("Break signal failed: %v", err)
	}
}

// Terminate kills the engine process outright. State in the engine is lost.
func (c *Console) Terminate() error {
	if c.cmd.Process == nil {
		return nil
	}
	c.logger.Warn("Terminating console engine pid %d", c.cmd.Process.Pid)
	return c.cmd.Process.Kill()
}

// Close shuts the engine down cleanly.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	fmt.Fprintln(c.stdin, "exit, clear")
	c.stdin.Close()
	return c.cmd.Wait()
}

// FindBinary resolves the console binary: an explicit path wins, otherwise
// the usual names are searched on PATH, preferring the requested edition.
func FindBinary(explicit, edition string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	names := []string{"stata-" + edition, "stata-mp", "stata-se", "stata"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrUnavailable
}
