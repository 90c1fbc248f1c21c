package source

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweeper removes materialized copies left behind by sessions that never
// reached teardown (for example after a crash).
type Sweeper struct {
	Dir    string
	MaxAge time.Duration
	// InUse reports paths that belong to a live session and must be kept.
	InUse  func(path string) bool
	Logger *slog.Logger
}

// Sweep deletes stale temporary copies and returns how many were removed.
func (s *Sweeper) Sweep() (int, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now

	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, TempPrefix) || !strings.HasSuffix(name, ".pdf") {
			continue
		}
		path := filepath.Join(s.Dir, name)
		if s.InUse != nil && s.InUse(path) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now().Sub(info.ModTime()) < s.MaxAge {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("Unable to remove stale temporary copy", "path", path, "error", err)
			continue
		}
		logger.Info("Removed stale temporary copy", "path", path, "age", now().Sub(info.ModTime()).Round(time.Second))
		removed++
	}
	return removed, nil
}
