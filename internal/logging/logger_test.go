package logging

import (
	"fmt"
	"testing"

	"statad/internal/utils"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record("DEBUG", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record("INFO", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record("WARN", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.record("ERROR", format, args...) }

func (r *recordingLogger) record(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var legacy *utils.Logger
	var logger Logger = legacy
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	first := &recordingLogger{}
	second := &recordingLogger{}

	inner := Multi(first, nil)
	logger := Multi(inner, second)

	logger.Info("run %d", 7)
	logger.Error("boom")

	for _, rec := range []*recordingLogger{first, second} {
		if len(rec.lines) != 2 {
			t.Fatalf("expected 2 lines, got %v", rec.lines)
		}
		if rec.lines[0] != "INFO run 7" {
			t.Fatalf("unexpected first line: %q", rec.lines[0])
		}
	}
}

func TestMultiWithNoUsableLoggersIsNop(t *testing.T) {
	logger := Multi(nil, Logger(nil))
	if IsNil(logger) {
		t.Fatalf("Multi should never return nil")
	}
	logger.Warn("ignored")
}
