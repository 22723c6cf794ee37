package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"statad/internal/engine"
	"statad/internal/exec"
	"statad/internal/logging"
	"statad/internal/preprocess"
)

// ErrNoExecution is returned by Stop when nothing is running.
var ErrNoExecution = errors.New("no execution in progress")

// SingleConfig carries the tunables for one engine's orchestration.
type SingleConfig struct {
	LogDir         string
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	BreakGrace     time.Duration
	// ResultGrace pads the stream deadline past the execution timeout so
	// the escalator always fires first and the stream reports the real
	// outcome rather than its own deadline.
	ResultGrace time.Duration
	// SessionID suffixes log file names in pool mode so sessions never
	// contend on one file. Empty for the shared engine.
	SessionID string
}

// Single orchestrates executions against one engine: preprocess, register
// as the exclusive current execution, run on the worker, supervise for
// timeout and cancellation, then assemble the outcome. It implements
// Router for single-engine deployments and is the per-session building
// block of Pool.
type Single struct {
	eng     engine.Engine
	cfg     SingleConfig
	reg     *exec.Registry
	runner  *exec.Runner
	esc     *exec.Escalator
	metrics *exec.Metrics
	logger  logging.Logger
}

// NewSingle wires the orchestration around eng. Zero durations in cfg fall
// back to conservative defaults.
func NewSingle(eng engine.Engine, cfg SingleConfig, metrics *exec.Metrics, logger logging.Logger) *Single {
	logger = logging.OrNop(logger)
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BreakGrace <= 0 {
		cfg.BreakGrace = time.Second
	}
	if cfg.ResultGrace <= 0 {
		cfg.ResultGrace = 30 * time.Second
	}
	reg := exec.NewRegistry()
	return &Single{
		eng:     eng,
		cfg:     cfg,
		reg:     reg,
		runner:  exec.NewRunner(eng, logger),
		esc:     exec.NewEscalator(eng, reg, cfg.PollInterval, cfg.BreakGrace, logger),
		metrics: metrics,
		logger:  logger,
	}
}

// jobSpec is a fully prepared execution: script on disk, log path chosen,
// timeout resolved. Prepared once, then launched either blocking or via a
// stream job's Start hook.
type jobSpec struct {
	scriptRef    string
	tmpScript    string
	logFile      string
	workingDir   string
	timeout      time.Duration
	windowed     bool
	detectGraphs bool
}

func (s *Single) ExecuteFile(ctx context.Context, path string, opts Options) (*Result, error) {
	spec, err := s.prepareFile(path, opts)
	if err != nil {
		return nil, err
	}
	return s.runBlocking(ctx, spec)
}

func (s *Single) Execute(ctx context.Context, code string, opts Options) (*Result, error) {
	spec, err := s.prepareSelection(code, opts)
	if err != nil {
		return nil, err
	}
	return s.runBlocking(ctx, spec)
}

func (s *Single) StreamFileJob(path string, opts Options) (exec.StreamJob, error) {
	spec, err := s.prepareFile(path, opts)
	if err != nil {
		return exec.StreamJob{}, err
	}
	return s.streamJob(filepath.Base(spec.scriptRef), spec), nil
}

func (s *Single) StreamSelectionJob(code string, opts Options) (exec.StreamJob, error) {
	spec, err := s.prepareSelection(code, opts)
	if err != nil {
		return exec.StreamJob{}, err
	}
	return s.streamJob("", spec), nil
}

// Stop marks the current execution cancelled and nudges the engine with an
// immediate break so short commands stop before the next supervision tick.
func (s *Single) Stop(string) (StopInfo, error) {
	id := s.reg.MarkCurrentCancelled()
	if id == "" {
		return StopInfo{Method: "none"}, ErrNoExecution
	}
	if s.eng != nil {
		s.eng.RequestBreak()
	}
	s.logger.Info("Stop requested for execution %s", id)
	return StopInfo{ExecutionID: id, Method: "break_requested"}, nil
}

func (s *Single) Status(string) (exec.Status, bool) {
	return s.reg.Current()
}

// Busy reports whether an execution currently holds the engine.
func (s *Single) Busy() bool {
	_, ok := s.reg.Current()
	return ok
}

func (s *Single) streamJob(label string, spec *jobSpec) exec.StreamJob {
	return exec.StreamJob{
		Label:    label,
		LogFile:  spec.logFile,
		Windowed: spec.windowed,
		Timeout:  spec.timeout,
		Grace:    s.cfg.ResultGrace,
		Start: func() (<-chan exec.Outcome, error) {
			return s.launch(spec)
		},
	}
}

func (s *Single) runBlocking(ctx context.Context, spec *jobSpec) (*Result, error) {
	ch, err := s.launch(spec)
	if err != nil {
		return nil, err
	}
	select {
	case out := <-ch:
		return &Result{
			State:   out.State,
			Output:  FormatResult(spec.scriptRef, out),
			Graphs:  out.Graphs,
			Elapsed: out.Elapsed,
			LogFile: out.LogFile,
		}, nil
	case <-ctx.Done():
		// The caller is gone; the execution keeps running and the launch
		// goroutine still settles the registry.
		return nil, ctx.Err()
	}
}

// launch registers the execution, starts the worker, and hands supervision
// to a goroutine that delivers exactly one Outcome on the returned channel.
// The channel is buffered so a consumer that walks away never blocks it.
func (s *Single) launch(spec *jobSpec) (<-chan exec.Outcome, error) {
	id := uuid.NewString()
	if err := s.reg.Register(id, spec.scriptRef); err != nil {
		os.Remove(spec.tmpScript)
		return nil, err
	}
	h, err := s.runner.Start(fmt.Sprintf("do \"%s\"", spec.tmpScript))
	if err != nil {
		s.reg.Unregister(id)
		os.Remove(spec.tmpScript)
		return nil, err
	}
	start := time.Now()
	s.metrics.ExecutionStarted()
	s.logger.Info("Execution %s started: %s (timeout %s)", id, spec.scriptRef, spec.timeout)

	ch := make(chan exec.Outcome, 1)
	go func() {
		intent := s.esc.Supervise(id, h, spec.timeout)
		var runErr error
		if h.Finished() {
			runErr = h.Err()
		}
		state := exec.StateFor(intent, runErr)
		elapsed := time.Since(start)

		output, readErr := s.runner.ReadOutput(spec.logFile)
		if spec.windowed && readErr == nil {
			output = exec.FilterWindow(output)
		}

		out := exec.Outcome{
			State:   state,
			Output:  output,
			Partial: state != exec.StateCompleted,
			Elapsed: elapsed,
			Timeout: spec.timeout,
			LogFile: spec.logFile,
		}
		if state == exec.StateFailed {
			out.Err = runErr
		}
		if spec.detectGraphs && state == exec.StateCompleted && spec.workingDir != "" {
			out.Graphs = DetectGraphs(spec.workingDir, start)
		}

		s.reg.SetState(id, state)
		s.metrics.ExecutionFinished(state)
		s.reg.Unregister(id)
		s.logger.Info("Execution %s finished: %s in %.1fs", id, state, elapsed.Seconds())
		ch <- out

		// The temp script may still be open by an interrupted worker;
		// delete it only once the worker has actually returned.
		<-h.Done()
		os.Remove(spec.tmpScript)
	}()
	return ch, nil
}

func (s *Single) prepareFile(path string, opts Options) (*jobSpec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("do file not found: %s", abs)
	}
	workingDir := opts.WorkingDir
	if workingDir == "" {
		workingDir = filepath.Dir(abs)
	}
	logFile, err := s.freshLogFile(logFileName(abs, s.cfg.SessionID))
	if err != nil {
		return nil, err
	}
	tmp, err := preprocess.PrepareFile(abs, preprocess.Options{
		WorkingDir:     workingDir,
		LogFile:        logFile,
		AutoNameGraphs: opts.AutoNameGraphs,
	})
	if err != nil {
		return nil, err
	}
	return &jobSpec{
		scriptRef:    abs,
		tmpScript:    tmp,
		logFile:      logFile,
		workingDir:   workingDir,
		timeout:      s.timeoutFor(opts),
		detectGraphs: opts.AutoNameGraphs,
	}, nil
}

func (s *Single) prepareSelection(code string, opts Options) (*jobSpec, error) {
	logFile, err := s.freshLogFile(logFileName("selection.do", s.cfg.SessionID))
	if err != nil {
		return nil, err
	}
	script := preprocess.Prepare(code, preprocess.Options{
		WorkingDir:     opts.WorkingDir,
		LogFile:        logFile,
		AutoNameGraphs: opts.AutoNameGraphs,
		Windowed:       true,
	})
	tmp, err := preprocess.WriteTemp(script)
	if err != nil {
		return nil, err
	}
	return &jobSpec{
		scriptRef:    "selection",
		tmpScript:    tmp,
		logFile:      logFile,
		workingDir:   opts.WorkingDir,
		timeout:      s.timeoutFor(opts),
		windowed:     true,
		detectGraphs: opts.AutoNameGraphs && opts.WorkingDir != "",
	}, nil
}

// freshLogFile resolves the log path and removes any previous run's file so
// tailers never replay stale content.
func (s *Single) freshLogFile(name string) (string, error) {
	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	logFile := filepath.Join(s.cfg.LogDir, name)
	if err := os.Remove(logFile); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	return logFile, nil
}

func (s *Single) timeoutFor(opts Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return s.cfg.DefaultTimeout
}
