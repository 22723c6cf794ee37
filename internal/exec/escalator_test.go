package exec

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statad/internal/engine"
	"statad/internal/logging"
)

func startJob(t *testing.T, eng engine.Engine, reg *Registry, id, body string) (*Handle, string) {
	t.Helper()
	dir := t.TempDir()
	logFile := filepath.Join(dir, "run.log")
	script := filepath.Join(dir, "job.do")
	require.NoError(t, os.WriteFile(script, []byte(wrapped(logFile, body)), 0644))
	require.NoError(t, reg.Register(id, script))

	runner := NewRunner(eng, logging.Nop())
	h, err := runner.Start(`do "` + script + `"`)
	require.NoError(t, err)
	return h, logFile
}

func newEscalator(eng engine.Engine, reg *Registry) *Escalator {
	return NewEscalator(eng, reg, 10*time.Millisecond, 200*time.Millisecond, logging.Nop())
}

func TestSuperviseCompletion(t *testing.T) {
	fake := &engine.Fake{}
	reg := NewRegistry()
	h, _ := startJob(t, fake, reg, "a", "display \"done\"\n")

	intent := newEscalator(fake, reg).Supervise("a", h, time.Minute)
	assert.Equal(t, IntentCompleted, intent)
	assert.NoError(t, h.Err())
}

func TestSuperviseTimeoutInterruptsWorker(t *testing.T) {
	fake := &engine.Fake{}
	reg := NewRegistry()
	h, logFile := startJob(t, fake, reg, "a", "display \"partial\"\nsleep 2000\ndisplay \"never\"\n")

	start := time.Now()
	intent := newEscalator(fake, reg).Supervise("a", h, 50*time.Millisecond)
	assert.Equal(t, IntentTimedOut, intent)
	assert.Less(t, time.Since(start), time.Second,
		"caller gets the timeout outcome promptly")

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("tier 1 break did not stop the worker")
	}
	assert.True(t, engine.IsBreak(h.Err()))

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "partial",
		"log holds output up to the interruption point")
	assert.NotContains(t, string(content), "never")
}

func TestSuperviseCancellation(t *testing.T) {
	fake := &engine.Fake{}
	reg := NewRegistry()
	h, _ := startJob(t, fake, reg, "a", "sleep 2000\n")

	reg.MarkCancelled("a")
	intent := newEscalator(fake, reg).Supervise("a", h, time.Minute)
	assert.Equal(t, IntentCancelled, intent)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("break did not stop the worker")
	}
}

func TestCancelWinsWhenBothFireInOneInterval(t *testing.T) {
	fake := &engine.Fake{}
	reg := NewRegistry()
	h, _ := startJob(t, fake, reg, "a", "sleep 500\n")

	// Flag set before the tick that would also detect the (already
	// elapsed) timeout: flag-check ordering decides.
	reg.MarkCancelled("a")
	intent := newEscalator(fake, reg).Supervise("a", h, time.Nanosecond)
	assert.Equal(t, IntentCancelled, intent)
	<-h.Done()
}

func TestTimeoutWinsWithoutCancelRequest(t *testing.T) {
	fake := &engine.Fake{}
	reg := NewRegistry()
	h, _ := startJob(t, fake, reg, "a", "sleep 500\n")

	intent := newEscalator(fake, reg).Supervise("a", h, time.Nanosecond)
	assert.Equal(t, IntentTimedOut, intent)
	<-h.Done()
}

func TestSuperviseWorkerDoneWithCancelFlag(t *testing.T) {
	fake := &engine.Fake{}
	reg := NewRegistry()
	h, _ := startJob(t, fake, reg, "a", "display \"x\"\n")
	<-h.Done()

	reg.MarkCancelled("a")
	intent := newEscalator(fake, reg).Supervise("a", h, time.Minute)
	assert.Equal(t, IntentCancelled, intent)
}

func TestSuperviseUnconfirmedInterruptionReturnsImmediately(t *testing.T) {
	fake := &engine.Fake{IgnoreBreak: true}
	reg := NewRegistry()
	h, _ := startJob(t, fake, reg, "a", "sleep 600\n")

	esc := NewEscalator(fake, reg, 10*time.Millisecond, 20*time.Millisecond, logging.Nop())
	intent := esc.Supervise("a", h, 50*time.Millisecond)
	assert.Equal(t, IntentTimedOut, intent)
	assert.False(t, h.Finished(),
		"outcome is reported even though the engine has not stopped yet")

	// Let the worker run out so nothing leaks past the test.
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker never finished")
	}
}

// processEngine emulates a binding with a real process boundary: break
// requests never reach a checkpoint, but the process can be killed.
type processEngine struct {
	mu       sync.Mutex
	breakAt  time.Time
	killAt   time.Time
	killed   chan struct{}
	killOnce sync.Once
}

func newProcessEngine() *processEngine {
	return &processEngine{killed: make(chan struct{})}
}

func (p *processEngine) Run(command string, echo bool) error {
	select {
	case <-p.killed:
		return &engine.RunError{Msg: "process terminated"}
	case <-time.After(5 * time.Second):
		return nil
	}
}

func (p *processEngine) RequestBreak() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.breakAt.IsZero() {
		p.breakAt = time.Now()
	}
}

func (p *processEngine) Terminate() error {
	p.mu.Lock()
	p.killAt = time.Now()
	p.mu.Unlock()
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

func TestSuperviseEscalatesToTermination(t *testing.T) {
	eng := newProcessEngine()
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", "job.do"))
	h, err := NewRunner(eng, logging.Nop()).Start(`do "job.do"`)
	require.NoError(t, err)

	esc := NewEscalator(eng, reg, 10*time.Millisecond, 50*time.Millisecond, logging.Nop())
	intent := esc.Supervise("a", h, 30*time.Millisecond)
	assert.Equal(t, IntentTimedOut, intent)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("termination did not stop the worker")
	}

	eng.mu.Lock()
	breakAt, killAt := eng.breakAt, eng.killAt
	eng.mu.Unlock()
	require.False(t, breakAt.IsZero(), "the cooperative break is attempted first")
	require.False(t, killAt.IsZero(), "termination fires when the break is not honored")
	assert.GreaterOrEqual(t, killAt.Sub(breakAt), 40*time.Millisecond,
		"the break gets its grace window before the kill")
	assert.Equal(t, StateTimedOut, StateFor(intent, h.Err()))
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, StateTimedOut, StateFor(IntentTimedOut, nil))
	assert.Equal(t, StateCancelled, StateFor(IntentCancelled, engine.BreakError{}))
	assert.Equal(t, StateCompleted, StateFor(IntentCompleted, nil))
	assert.Equal(t, StateFailed, StateFor(IntentCompleted, errors.New("r(198);")))
	assert.Equal(t, StateCancelled, StateFor(IntentCompleted, engine.BreakError{}),
		"a bare break with no recorded intent still counts as cancelled")
}
