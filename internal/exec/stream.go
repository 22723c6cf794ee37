package exec

import (
	"fmt"
	"strings"
	"time"

	"statad/internal/logging"
)

// Sink receives ordered stream lines. Send returns an error once the caller
// has disconnected; the adapter then stops emitting and leaves the
// background job alone.
type Sink interface {
	Send(text string) error
}

// StreamJob describes one streamed submission.
type StreamJob struct {
	// Label names the script in the start event; empty for selections.
	Label string
	// LogFile is the file the engine writes progress to.
	LogFile string
	// Windowed enables sentinel filtering (selection runs).
	Windowed bool
	// Timeout is the execution's configured bound, echoed in the deadline
	// message. Interruption itself is the escalator's job, running inside
	// Start's orchestration.
	Timeout time.Duration
	// Grace pads the stream deadline past Timeout so the escalator always
	// fires first and the stream reports the real outcome rather than its
	// own deadline.
	Grace time.Duration
	// Start launches the background execution and returns the channel the
	// outcome will arrive on. The execution keeps running even if the
	// stream detaches.
	Start func() (<-chan Outcome, error)
}

// Streamer composes the runner and the tailer into an ordered sequence of
// outbound lines for one submission.
type Streamer struct {
	interval time.Duration
	logger   logging.Logger
	metrics  *Metrics
}

// NewStreamer returns a streamer polling the log at interval.
func NewStreamer(interval time.Duration, metrics *Metrics, logger logging.Logger) *Streamer {
	return &Streamer{
		interval: interval,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
	}
}

// Stream runs the job and feeds its output to sink until a terminal event
// or caller disconnect. Disconnects are swallowed: the job runner and the
// escalator continue on their own, and the worker's completion path cleans
// up temp files, so nothing here races a still-running worker.
func (s *Streamer) Stream(sink Sink, job StreamJob) {
	s.metrics.StreamAttached()
	defer s.metrics.StreamDetached()

	outcomeCh, err := job.Start()
	if err != nil {
		s.trySend(sink, ErrorPrefix+err.Error())
		return
	}

	if job.Label != "" {
		if !s.trySend(sink, fmt.Sprintf("Starting execution of %s...", job.Label)) {
			return
		}
	} else if !s.trySend(sink, "") {
		return
	}

	tailer := &Tailer{Path: job.LogFile}
	cursor := NewCursor()
	if job.Windowed {
		cursor = NewWindowedCursor()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case out, ok := <-outcomeCh:
			if !ok {
				s.trySend(sink, ErrorPrefix+"execution ended without a result")
				return
			}
			cursor = s.flush(sink, tailer, cursor)
			s.finish(sink, out)
			return

		case <-ticker.C:
			var delivered bool
			cursor, delivered = s.forward(sink, tailer, cursor)
			if !delivered {
				s.logger.Debug("Stream client disconnected, detaching from %s", job.LogFile)
				return
			}
			if job.Timeout > 0 && time.Since(start) > job.Timeout+job.Grace {
				s.trySend(sink, fmt.Sprintf("%sExecution timed out after %.0fs", ErrorPrefix, job.Timeout.Seconds()))
				return
			}
		}
	}
}

// forward sends newly appended lines; reports false once the sink refuses a
// write.
func (s *Streamer) forward(sink Sink, tailer *Tailer, cursor Cursor) (Cursor, bool) {
	lines, next, err := tailer.ReadNew(cursor)
	if err != nil {
		s.logger.Debug("Error reading log file: %v", err)
		return cursor, true
	}
	sent := 0
	for _, line := range lines {
		if err := sink.Send(escapeLine(line)); err != nil {
			s.metrics.LinesDelivered(sent)
			return next, false
		}
		sent++
	}
	s.metrics.LinesDelivered(sent)
	return next, true
}

// flush drains anything the final poll has not seen yet.
func (s *Streamer) flush(sink Sink, tailer *Tailer, cursor Cursor) Cursor {
	next, _ := s.forward(sink, tailer, cursor)
	return next
}

// finish emits the terminal event plus artifact metadata.
func (s *Streamer) finish(sink Sink, out Outcome) {
	switch out.State {
	case StateFailed:
		msg := "execution failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		s.trySend(sink, ErrorPrefix+msg)
		return
	case StateCancelled:
		if !s.trySend(sink, StoppedBanner) {
			return
		}
	case StateTimedOut:
		s.trySend(sink, fmt.Sprintf("%sExecution timed out after %.0fs", ErrorPrefix, out.Timeout.Seconds()))
		return
	}

	if !s.trySend(sink, CompletedMarker) {
		return
	}
	if len(out.Graphs) > 0 {
		rule := strings.Repeat("=", 60)
		s.trySend(sink, "")
		s.trySend(sink, rule)
		s.trySend(sink, fmt.Sprintf("GRAPHS DETECTED: %d graph(s) created", len(out.Graphs)))
		s.trySend(sink, rule)
		for _, g := range out.Graphs {
			s.trySend(sink, fmt.Sprintf("  • %s: %s", g.Name, g.Path))
		}
	}
}

func (s *Streamer) trySend(sink Sink, text string) bool {
	return sink.Send(text) == nil
}

// escapeLine doubles backslashes so Windows paths survive the line-oriented
// framing.
func escapeLine(line string) string {
	return strings.ReplaceAll(line, `\`, `\\`)
}
