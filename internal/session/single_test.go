package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statad/internal/engine"
	"statad/internal/exec"
)

func newTestSingle(t *testing.T, eng engine.Engine) *Single {
	t.Helper()
	return NewSingle(eng, SingleConfig{
		LogDir:         t.TempDir(),
		DefaultTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		BreakGrace:     100 * time.Millisecond,
	}, nil, nil)
}

func writeScript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.do")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	return path
}

func TestExecuteFileCompletes(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	path := writeScript(t, `display "hello world"`)

	res, err := s.ExecuteFile(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, exec.StateCompleted, res.State)
	assert.Contains(t, res.Output, "*** Execution completed in")
	assert.Contains(t, res.Output, "hello world")
	assert.Contains(t, res.Output, "Log file saved to: "+res.LogFile)
	assert.False(t, s.Busy())
}

func TestExecuteFileMissing(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	_, err := s.ExecuteFile(context.Background(), filepath.Join(t.TempDir(), "nope.do"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExecuteSelectionWindowed(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})

	res, err := s.Execute(context.Background(), `display "inside window"`, Options{})
	require.NoError(t, err)
	assert.Equal(t, exec.StateCompleted, res.State)
	assert.Contains(t, res.Output, "inside window")
	assert.NotContains(t, res.Output, exec.OutputStartSentinel)
	assert.NotContains(t, res.Output, "capture log close")
	assert.NotContains(t, res.Output, "log using")
}

func TestExecuteFileFails(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	path := writeScript(t, `display "before"`, "error 198")

	res, err := s.ExecuteFile(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, exec.StateFailed, res.State)
	assert.Contains(t, res.Output, "*** ERROR:")
	assert.Contains(t, res.Output, "r(198);")
}

func TestStopCancelsExecution(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	path := writeScript(t, `display "started"`, "sleep 5000")

	var (
		res *Result
		err error
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err = s.ExecuteFile(context.Background(), path, Options{})
	}()

	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)
	_, stopErr := s.Stop("")
	require.NoError(t, stopErr)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, exec.StateCancelled, res.State)
	assert.Contains(t, res.Output, exec.StoppedBanner)
	assert.Contains(t, res.Output, "started")
}

func TestStopWithoutExecution(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	_, err := s.Stop("")
	assert.ErrorIs(t, err, ErrNoExecution)
}

func TestExecuteFileTimesOut(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	path := writeScript(t, `display "partial"`, "sleep 5000")

	res, err := s.ExecuteFile(context.Background(), path, Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, exec.StateTimedOut, res.State)
	assert.Contains(t, res.Output, "*** TIMEOUT: Execution exceeded")
}

func TestConcurrentSubmissionRefused(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	long := writeScript(t, "sleep 2000")
	short := writeScript(t, `display "second"`)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ExecuteFile(context.Background(), long, Options{})
	}()

	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)
	_, err := s.ExecuteFile(context.Background(), short, Options{})
	assert.ErrorIs(t, err, exec.ErrAlreadyCurrent)

	_, stopErr := s.Stop("")
	require.NoError(t, stopErr)
	wg.Wait()
}

func TestDetachedCallerLeavesExecutionRunning(t *testing.T) {
	fake := &engine.Fake{}
	s := newTestSingle(t, fake)
	path := writeScript(t, "sleep 300", `display "done anyway"`)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.ExecuteFile(ctx, path, Options{})
		errCh <- err
	}()

	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The execution finishes on its own and the registry is settled by the
	// supervision goroutine, not the departed caller.
	require.Eventually(t, func() bool { return !s.Busy() }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, fake.Runs() > 0)
}

func TestStatusReflectsCurrentExecution(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	path := writeScript(t, "sleep 1000")

	_, ok := s.Status("")
	assert.False(t, ok)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.ExecuteFile(context.Background(), path, Options{})
	}()
	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)

	st, ok := s.Status("")
	require.True(t, ok)
	assert.Equal(t, exec.StateRunning, st.State)
	assert.Contains(t, st.ScriptRef, "script.do")

	s.Stop("")
	wg.Wait()
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return nil
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestStreamFileJob(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})
	path := writeScript(t, `display "streamed line"`)

	job, err := s.StreamFileJob(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "script.do", job.Label)
	assert.NotEmpty(t, job.LogFile)

	sink := &lineSink{}
	exec.NewStreamer(10*time.Millisecond, nil, nil).Stream(sink, job)

	lines := sink.snapshot()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "Starting execution of script.do")
	assert.Equal(t, exec.CompletedMarker, lines[len(lines)-1])
	joined := strings.Join(lines, "\n")
	assert.Contains(t, joined, "streamed line")
}

func TestStreamSelectionJobWindowed(t *testing.T) {
	s := newTestSingle(t, &engine.Fake{})

	job, err := s.StreamSelectionJob(`display "only this"`, Options{})
	require.NoError(t, err)
	assert.True(t, job.Windowed)

	sink := &lineSink{}
	exec.NewStreamer(10*time.Millisecond, nil, nil).Stream(sink, job)

	joined := strings.Join(sink.snapshot(), "\n")
	assert.Contains(t, joined, "only this")
	assert.NotContains(t, joined, exec.OutputStartSentinel)
	assert.NotContains(t, joined, "log using")
}

func TestFormatResultBanners(t *testing.T) {
	completed := FormatResult("analysis.do", exec.Outcome{
		State:   exec.StateCompleted,
		Output:  "final lines",
		Elapsed: 1500 * time.Millisecond,
		LogFile: "/tmp/analysis.log",
		Graphs:  []exec.Artifact{{Name: "graph1", Path: "/tmp/graph1.png"}},
	})
	assert.Contains(t, completed, "do 'analysis.do'")
	assert.Contains(t, completed, "*** Execution completed in 1.5 seconds ***")
	assert.Contains(t, completed, "GRAPHS DETECTED: 1 graph(s) created")
	assert.Contains(t, completed, "  • graph1: /tmp/graph1.png")
	assert.Contains(t, completed, "Log file saved to: /tmp/analysis.log")

	failed := FormatResult("bad.do", exec.Outcome{
		State: exec.StateFailed,
		Err:   errors.New("engine error: r(601);"),
	})
	assert.Contains(t, failed, "*** ERROR: engine error: r(601); ***")

	cancelled := FormatResult("slow.do", exec.Outcome{State: exec.StateCancelled, Output: "partial"})
	assert.Contains(t, cancelled, "partial")
	assert.Contains(t, cancelled, exec.StoppedBanner)
	assert.NotContains(t, cancelled, "Log file saved to")

	timedOut := FormatResult("slow.do", exec.Outcome{
		State:   exec.StateTimedOut,
		Output:  "partial",
		Elapsed: 95 * time.Second,
		Timeout: 30 * time.Second,
	})
	assert.Contains(t, timedOut, "*** TIMEOUT: Execution exceeded 30 seconds ***",
		"the banner echoes the configured limit, not the measured elapsed time")
}
