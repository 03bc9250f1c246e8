package hls

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Janitor is the shared background sweep over every stream's segment
// directory: segments older than MaxAge are deleted and each touched
// stream's manifest is rewritten from the survivors.
type Janitor struct {
	Root            string
	Interval        time.Duration
	MaxAge          time.Duration
	Window          int
	SegmentDuration float64
	Log             *slog.Logger

	// OnPruned, if set, is called with the number of segments removed per
	// sweep.
	OnPruned func(n int)
}

// Run sweeps every Interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep runs one pruning pass. Errors on individual files or directories are
// logged and do not stop the pass.
func (j *Janitor) Sweep() {
	entries, err := os.ReadDir(j.Root)
	if err != nil {
		j.Log.Error("read segment root", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-j.MaxAge)
	pruned := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(j.Root, entry.Name())
		removed := j.pruneDir(dir, cutoff)
		if removed == 0 {
			continue
		}
		pruned += removed
		if err := WriteManifest(dir, j.Window, j.SegmentDuration); err != nil {
			j.Log.Error("rewrite manifest after prune",
				slog.String("stream", entry.Name()),
				slog.String("error", err.Error()))
		}
	}

	if pruned > 0 {
		j.Log.Debug("pruned segments", slog.Int("count", pruned))
		if j.OnPruned != nil {
			j.OnPruned(pruned)
		}
	}
}

// pruneDir removes segment files in dir whose mtime is before cutoff and
// returns how many were removed.
func (j *Janitor) pruneDir(dir string, cutoff time.Time) int {
	files, err := os.ReadDir(dir)
	if err != nil {
		j.Log.Error("read segment directory", slog.String("dir", dir), slog.String("error", err.Error()))
		return 0
	}

	removed := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".ts") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, file.Name())); err != nil {
			j.Log.Error("remove segment", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed
}
