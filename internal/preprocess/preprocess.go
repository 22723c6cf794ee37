// Package preprocess turns raw script text into an engine-ready do-file:
// it joins continuation lines, disarms directives that would fight the
// injected log capture, optionally names anonymous graph commands, and
// wraps the body with the capture directives the runner depends on.
package preprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"statad/internal/exec"
)

// commentedPrefix marks lines the preprocessor disarmed.
const commentedPrefix = "* COMMENTED OUT BY STATAD: "

// Options configures script preparation.
type Options struct {
	// WorkingDir is injected as a cd directive; empty means the caller's
	// directory convention applies (do-files default to their own dir).
	WorkingDir string
	// LogFile is the absolute path the injected log directive captures to.
	LogFile string
	// AutoNameGraphs gives anonymous graph commands a generated name so
	// they can be detected and exported afterwards.
	AutoNameGraphs bool
	// Windowed wraps the body in output sentinels (selection runs).
	Windowed bool
}

var (
	logDirectiveRe = regexp.MustCompile(`(?i)^\s*(log\s+using|log\s+close|capture\s+log\s+close)`)
	clsRe          = regexp.MustCompile(`(?i)^\s*cls\s*$`)
	graphCmdRe     = regexp.MustCompile(`(?i)^(\s*)(scatter|histogram|twoway|kdensity|graph\s+(bar|box|dot|pie|matrix|hbar|hbox|combine))\s+(.*)$`)
	namedOptRe     = regexp.MustCompile(`(?i)\bname\s*\(`)
)

// JoinContinuations merges lines ending in /// into single logical lines so
// options split across lines are not treated as separate commands.
func JoinContinuations(code string) string {
	var joined []string
	current := ""
	for _, raw := range strings.Split(code, "\n") {
		stripped := strings.TrimRight(raw, " \t\r")
		if strings.HasSuffix(stripped, "///") {
			current += strings.TrimRight(strings.TrimSuffix(stripped, "///"), " \t") + " "
			continue
		}
		current += raw
		joined = append(joined, current)
		current = ""
	}
	if current != "" {
		joined = append(joined, current)
	}
	return strings.Join(joined, "\n")
}

// Prepare rewrites raw script text into the finalized script the runner
// hands to the engine.
func Prepare(raw string, opts Options) string {
	body := rewriteBody(JoinContinuations(raw), opts.AutoNameGraphs)

	var b strings.Builder
	b.WriteString("capture log close _all\n")
	if opts.WorkingDir != "" {
		b.WriteString(fmt.Sprintf("cd \"%s\"\n", stataPath(opts.WorkingDir)))
	}
	if opts.LogFile != "" {
		b.WriteString(fmt.Sprintf("log using \"%s\", replace text\n", stataPath(opts.LogFile)))
	}
	if opts.Windowed {
		b.WriteString(fmt.Sprintf("display \"%s\"\n", exec.OutputStartSentinel))
	}
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	if opts.Windowed {
		b.WriteString(fmt.Sprintf("display \"%s\"\n", exec.OutputEndSentinel))
	}
	b.WriteString("capture log close _all\n")
	return b.String()
}

// PrepareFile reads a do-file, prepares it, and writes the finalized script
// to a temp file. When WorkingDir is empty it defaults to the do-file's own
// directory, matching what the engine does when running a file natively.
func PrepareFile(path string, opts Options) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read do file: %w", err)
	}
	if opts.WorkingDir == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		opts.WorkingDir = filepath.Dir(abs)
	}
	return WriteTemp(Prepare(string(raw), opts))
}

// WriteTemp writes a finalized script to a temp do-file and returns its
// path. The worker's completion path owns deletion.
func WriteTemp(script string) (string, error) {
	f, err := os.CreateTemp("", "statad_*.do")
	if err != nil {
		return "", fmt.Errorf("create temp do file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(script); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp do file: %w", err)
	}
	return f.Name(), nil
}

// rewriteBody disarms conflicting directives line by line and, when asked,
// names anonymous graph commands graph1, graph2, ...
func rewriteBody(code string, autoNameGraphs bool) string {
	var out []string
	graphCounter := 0
	for _, line := range strings.Split(code, "\n") {
		if logDirectiveRe.MatchString(line) || clsRe.MatchString(line) {
			out = append(out, commentedPrefix+line)
			continue
		}
		if autoNameGraphs {
			if m := graphCmdRe.FindStringSubmatch(line); m != nil && !namedOptRe.MatchString(m[4]) {
				graphCounter++
				name := fmt.Sprintf("graph%d", graphCounter)
				rest := m[4]
				if idx := strings.Index(rest, ","); idx >= 0 {
					rest = rest[:idx+1] + fmt.Sprintf(" name(%s, replace)", name) + rest[idx+1:]
				} else {
					rest = strings.TrimRight(rest, " \t") + fmt.Sprintf(", name(%s, replace)", name)
				}
				out = append(out, m[1]+m[2]+" "+rest)
				continue
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// stataPath normalizes a path for injection into a script: the engine wants
// forward slashes even on Windows, where backslashes start escape
// sequences.
func stataPath(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}
