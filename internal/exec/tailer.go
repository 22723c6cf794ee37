package exec

import (
	"io"
	"os"
	"strings"
)

// Sentinel lines injected around selection runs. Any log line carrying one
// of these toggles the visibility window and is itself suppressed.
const (
	OutputStartSentinel = "__STATAD_OUTPUT_START__"
	OutputEndSentinel   = "__STATAD_OUTPUT_END__"
)

// Cursor tracks how far into the log file a stream has read, plus the
// sentinel window state already observed. Each stream owns its cursor;
// cursors are never shared even between streams tailing the same file.
type Cursor struct {
	Offset   int64
	InWindow bool
	windowed bool
}

// NewCursor returns a cursor that surfaces every line.
func NewCursor() Cursor {
	return Cursor{}
}

// NewWindowedCursor returns a cursor that suppresses lines outside the
// start/end sentinel window, for selection runs where setup and teardown
// directives must not reach the caller.
func NewWindowedCursor() Cursor {
	return Cursor{windowed: true}
}

// Tailer reads newly appended log content by byte offset. It never blocks
// waiting for content and never re-reads from the beginning: callers poll
// ReadNew on an interval, passing the cursor back in.
type Tailer struct {
	Path string
}

// ReadRaw returns the raw byte delta appended since the cursor's offset and
// the advanced cursor, with no line filtering.
func (t *Tailer) ReadRaw(c Cursor) (string, Cursor, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", c, nil
		}
		return "", c, err
	}
	defer f.Close()

	// A file shorter than the offset was truncated and rewritten (a new
	// run reopened the log); start over from the top.
	if info, err := f.Stat(); err == nil && info.Size() < c.Offset {
		c.Offset = 0
		c.InWindow = false
	}

	if _, err := f.Seek(c.Offset, io.SeekStart); err != nil {
		return "", c, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", c, err
	}
	c.Offset += int64(len(data))
	return string(data), c, nil
}

// ReadNew returns the lines appended since the cursor's offset and the
// advanced cursor. A missing file is not an error; it simply yields
// nothing. Calling again with the returned cursor on an unchanged file
// yields an empty delta.
func (t *Tailer) ReadNew(c Cursor) ([]string, Cursor, error) {
	delta, c, err := t.ReadRaw(c)
	if err != nil || delta == "" {
		return nil, c, err
	}

	var lines []string
	for _, line := range strings.Split(delta, "\n") {
		if out, ok := c.filter(line); ok {
			lines = append(lines, out)
		}
	}
	return lines, c, nil
}

// FilterWindow reduces a full log text to the lines inside the sentinel
// window, preserving blank lines between them. Used by blocking selection
// runs, which read the whole log once rather than tailing it.
func FilterWindow(text string) string {
	var kept []string
	in := false
	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.Contains(stripped, OutputStartSentinel) {
			in = true
			continue
		}
		if strings.Contains(stripped, OutputEndSentinel) {
			in = false
			continue
		}
		if in {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// filter applies the sentinel window. Outside windowed mode it only drops
// blank lines, matching what the streaming path forwards.
func (c *Cursor) filter(line string) (string, bool) {
	stripped := strings.TrimSpace(line)
	if c.windowed {
		if strings.Contains(stripped, OutputStartSentinel) {
			c.InWindow = true
			return "", false
		}
		if strings.Contains(stripped, OutputEndSentinel) {
			c.InWindow = false
			return "", false
		}
		if !c.InWindow {
			return "", false
		}
	}
	if stripped == "" {
		return "", false
	}
	return line, true
}
