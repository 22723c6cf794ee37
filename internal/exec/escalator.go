package exec

import (
	"time"

	"statad/internal/engine"
	"statad/internal/logging"
)

// Intent is the terminal decision the escalator hands back to the
// submitting flow. Exactly one intent is produced per execution.
type Intent int

const (
	// IntentCompleted: the worker exited on its own.
	IntentCompleted Intent = iota
	// IntentTimedOut: the timeout elapsed first.
	IntentTimedOut
	// IntentCancelled: a stop request was observed first.
	IntentCancelled
)

// Escalator supervises one worker: it polls the cancel flag and elapsed
// time and, when either fires, walks through the interruption tiers.
//
// The cancel flag is checked before elapsed time on every iteration, so a
// stop request that lands in the same poll interval as the timeout always
// wins. That ordering is the tie-break policy, not an accident of
// scheduling.
type Escalator struct {
	eng      engine.Engine
	reg      *Registry
	interval time.Duration
	grace    time.Duration
	logger   logging.Logger
}

// NewEscalator returns an escalator polling at interval, giving each
// interruption tier the grace window to take effect.
func NewEscalator(eng engine.Engine, reg *Registry, interval, grace time.Duration, logger logging.Logger) *Escalator {
	return &Escalator{
		eng:      eng,
		reg:      reg,
		interval: interval,
		grace:    grace,
		logger:   logging.OrNop(logger),
	}
}

// Supervise blocks until the execution reaches a terminal condition and
// returns the intent. It returns immediately after deciding: when an
// interruption could not be confirmed the worker may still be running, but
// the caller gets the outcome now rather than blocking on an engine that
// only honors breaks at its own checkpoints.
func (e *Escalator) Supervise(id string, h *Handle, timeout time.Duration) Intent {
	start := time.Now()
	for {
		select {
		case <-h.Done():
			if e.reg.IsCancelled(id) {
				return IntentCancelled
			}
			return IntentCompleted
		case <-time.After(e.interval):
		}

		// Cancel flag before elapsed time, every iteration.
		if e.reg.IsCancelled(id) {
			e.logger.Debug("Execution %s cancelled by stop request", id)
			e.interrupt(id, h)
			return IntentCancelled
		}
		if timeout > 0 && time.Since(start) > timeout {
			e.logger.Warn("Execution %s timed out after %s", id, timeout)
			e.reg.MarkCancelled(id)
			e.interrupt(id, h)
			return IntentTimedOut
		}
	}
}

// interrupt walks the tiers in order, stopping at the first one that makes
// the worker exit inside the grace window.
func (e *Escalator) interrupt(id string, h *Handle) {
	// Tier 1: cooperative break at the engine's next checkpoint.
	e.logger.Warn("Interrupt %s - tier 1: requesting engine break", id)
	e.eng.RequestBreak()
	if e.waitDone(h, e.grace) {
		e.logger.Info("Execution %s stopped via engine break", id)
		return
	}

	// Tier 2: forced termination, only for bindings with a process
	// boundary. The in-process binding has no safe kill, so this tier is
	// simply unavailable there.
	if term, ok := e.eng.(engine.Terminator); ok {
		e.logger.Warn("Interrupt %s - tier 2: terminating engine process", id)
		if err := term.Terminate(); err != nil {
			e.logger.Error("Terminate failed for %s: %v", id, err)
		} else if e.waitDone(h, e.grace) {
			e.logger.Info("Execution %s stopped via termination", id)
			return
		}
	}

	e.logger.Warn("Interruption of %s not confirmed; engine will stop at its next checkpoint", id)
}

func (e *Escalator) waitDone(h *Handle, d time.Duration) bool {
	select {
	case <-h.Done():
		return true
	case <-time.After(d):
		return false
	}
}

// StateFor maps an intent and the worker error to the execution's terminal
// state.
func StateFor(intent Intent, runErr error) State {
	switch intent {
	case IntentTimedOut:
		return StateTimedOut
	case IntentCancelled:
		return StateCancelled
	default:
		if engine.IsBreak(runErr) {
			// A break with no recorded intent still means someone stopped
			// the run (e.g. a stop delivered straight to the engine).
			return StateCancelled
		}
		if runErr != nil {
			return StateFailed
		}
		return StateCompleted
	}
}
