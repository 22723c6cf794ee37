package exec

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statad/internal/logging"
)

// captureSink records sent lines; it can be told to refuse writes after a
// number of sends to emulate a client disconnect.
type captureSink struct {
	mu        sync.Mutex
	lines     []string
	failAfter int // -1 never fails
}

func newCaptureSink() *captureSink {
	return &captureSink{failAfter: -1}
}

func (s *captureSink) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.lines) >= s.failAfter {
		return errors.New("client gone")
	}
	s.lines = append(s.lines, text)
	return nil
}

func (s *captureSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestStreamer() *Streamer {
	metrics := MustNewMetrics(prometheus.NewRegistry())
	return NewStreamer(10*time.Millisecond, metrics, logging.Nop())
}

func TestStreamHappyPath(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "run.log")
	outcomeCh := make(chan Outcome, 1)

	job := StreamJob{
		LogFile: logFile,
		Timeout: time.Minute,
		Start: func() (<-chan Outcome, error) {
			go func() {
				appendFile(t, logFile, "hello\n")
				time.Sleep(50 * time.Millisecond)
				outcomeCh <- Outcome{State: StateCompleted}
			}()
			return outcomeCh, nil
		},
	}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, job)

	lines := sink.snapshot()
	require.NotEmpty(t, lines)
	assert.Equal(t, "", lines[0], "selection streams open with a separator event")
	assert.Equal(t, []string{"hello", CompletedMarker}, lines[1:],
		"exactly one text event then the terminal marker")
}

func TestStreamStartEventForFiles(t *testing.T) {
	outcomeCh := make(chan Outcome, 1)
	outcomeCh <- Outcome{State: StateCompleted}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, StreamJob{
		Label:   "model.do",
		LogFile: filepath.Join(t.TempDir(), "run.log"),
		Start:   func() (<-chan Outcome, error) { return outcomeCh, nil },
	})

	lines := sink.snapshot()
	require.NotEmpty(t, lines)
	assert.Equal(t, "Starting execution of model.do...", lines[0])
}

func TestStreamStartFailureBecomesErrorEvent(t *testing.T) {
	sink := newCaptureSink()
	newTestStreamer().Stream(sink, StreamJob{
		LogFile: "unused.log",
		Start:   func() (<-chan Outcome, error) { return nil, ErrAlreadyCurrent },
	})

	lines := sink.snapshot()
	require.Len(t, lines, 1)
	assert.Equal(t, ErrorPrefix+ErrAlreadyCurrent.Error(), lines[0])
}

func TestStreamTimeoutEmitsErrorAndStops(t *testing.T) {
	outcomeCh := make(chan Outcome, 1) // never delivered

	sink := newCaptureSink()
	done := make(chan struct{})
	go func() {
		defer close(done)
		newTestStreamer().Stream(sink, StreamJob{
			LogFile: filepath.Join(t.TempDir(), "run.log"),
			Timeout: 50 * time.Millisecond,
			Grace:   20 * time.Millisecond,
			Start:   func() (<-chan Outcome, error) { return outcomeCh, nil },
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop at its timeout")
	}
	lines := sink.snapshot()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], ErrorPrefix+"Execution timed out")
}

func TestStreamTimedOutOutcomeEchoesConfiguredLimit(t *testing.T) {
	outcomeCh := make(chan Outcome, 1)
	outcomeCh <- Outcome{State: StateTimedOut, Elapsed: 95 * time.Second, Timeout: 30 * time.Second}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, StreamJob{
		LogFile: filepath.Join(t.TempDir(), "run.log"),
		Start:   func() (<-chan Outcome, error) { return outcomeCh, nil },
	})

	lines := sink.snapshot()
	require.NotEmpty(t, lines)
	assert.Equal(t, ErrorPrefix+"Execution timed out after 30s", lines[len(lines)-1],
		"the event echoes the configured limit, not the measured elapsed time")
}

func TestStreamClientDisconnectLeavesJobRunning(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "run.log")
	outcomeCh := make(chan Outcome, 1)
	jobDone := make(chan struct{})

	job := StreamJob{
		LogFile: logFile,
		Timeout: time.Minute,
		Start: func() (<-chan Outcome, error) {
			go func() {
				defer close(jobDone)
				appendFile(t, logFile, "line1\nline2\nline3\n")
				time.Sleep(100 * time.Millisecond)
				outcomeCh <- Outcome{State: StateCompleted}
			}()
			return outcomeCh, nil
		},
	}

	sink := newCaptureSink()
	sink.failAfter = 2 // initial event + one line, then gone
	newTestStreamer().Stream(sink, job)

	assert.Len(t, sink.snapshot(), 2, "no further emission after disconnect")

	// The background job is untouched and still runs to completion.
	select {
	case <-jobDone:
	case <-time.After(2 * time.Second):
		t.Fatal("background job did not complete after disconnect")
	}
	select {
	case out := <-outcomeCh:
		assert.Equal(t, StateCompleted, out.State)
	case <-time.After(time.Second):
		t.Fatal("outcome was never produced")
	}
}

func TestStreamCancelledOutcome(t *testing.T) {
	outcomeCh := make(chan Outcome, 1)
	outcomeCh <- Outcome{State: StateCancelled}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, StreamJob{
		LogFile: filepath.Join(t.TempDir(), "run.log"),
		Start:   func() (<-chan Outcome, error) { return outcomeCh, nil },
	})

	lines := sink.snapshot()
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Equal(t, StoppedBanner, lines[len(lines)-2])
	assert.Equal(t, CompletedMarker, lines[len(lines)-1])
}

func TestStreamFailedOutcome(t *testing.T) {
	outcomeCh := make(chan Outcome, 1)
	outcomeCh <- Outcome{State: StateFailed, Err: errors.New("r(198);")}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, StreamJob{
		LogFile: filepath.Join(t.TempDir(), "run.log"),
		Start:   func() (<-chan Outcome, error) { return outcomeCh, nil },
	})

	lines := sink.snapshot()
	assert.Equal(t, ErrorPrefix+"r(198);", lines[len(lines)-1])
}

func TestStreamGraphartifactBlock(t *testing.T) {
	outcomeCh := make(chan Outcome, 1)
	outcomeCh <- Outcome{
		State:  StateCompleted,
		Graphs: []Artifact{{Name: "graph1", Path: "/tmp/graph1.png"}},
	}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, StreamJob{
		LogFile: filepath.Join(t.TempDir(), "run.log"),
		Start:   func() (<-chan Outcome, error) { return outcomeCh, nil },
	})

	lines := sink.snapshot()
	assert.Contains(t, lines, "GRAPHS DETECTED: 1 graph(s) created")
	assert.Contains(t, lines, "  • graph1: /tmp/graph1.png")
}

func TestStreamWindowedFiltersSentinels(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(logFile, []byte(
		"setup\n"+OutputStartSentinel+"\nvisible\n"+OutputEndSentinel+"\nteardown\n"), 0644))

	outcomeCh := make(chan Outcome, 1)
	job := StreamJob{
		LogFile:  logFile,
		Windowed: true,
		Timeout:  time.Minute,
		Start: func() (<-chan Outcome, error) {
			go func() {
				time.Sleep(50 * time.Millisecond)
				outcomeCh <- Outcome{State: StateCompleted}
			}()
			return outcomeCh, nil
		},
	}

	sink := newCaptureSink()
	newTestStreamer().Stream(sink, job)

	lines := sink.snapshot()
	assert.Contains(t, lines, "visible")
	assert.NotContains(t, lines, "setup")
	assert.NotContains(t, lines, "teardown")
	assert.NotContains(t, lines, OutputStartSentinel)
}

func TestEscapeLineDoublesBackslashes(t *testing.T) {
	assert.Equal(t, `C:\\data\\auto.dta`, escapeLine(`C:\data\auto.dta`))
}
