package session

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"statad/internal/exec"
)

// graphExts are the export formats counted as graph artifacts.
var graphExts = map[string]bool{
	".gph": true,
	".png": true,
	".pdf": true,
	".svg": true,
	".eps": true,
}

// DetectGraphs scans dir for graph files created or rewritten at or after
// since. Only the top level is scanned; scripts that export into
// subdirectories name them explicitly and get them back via the artifact
// path anyway.
func DetectGraphs(dir string, since time.Time) []exec.Artifact {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	// File mtimes have coarser resolution than the monotonic clock on some
	// filesystems, so compare with a one second allowance.
	cutoff := since.Add(-time.Second)

	var graphs []exec.Artifact
	for _, e := range entries {
		if e.IsDir() || !graphExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		graphs = append(graphs, exec.Artifact{Name: name, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(graphs, func(i, j int) bool { return graphs[i].Name < graphs[j].Name })
	return graphs
}
