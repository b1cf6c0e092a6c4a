package transcript

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Purger deletes stored transcripts of sessions that ended before cutoff.
type Purger interface {
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Purge removes log files in the sink directory last modified before
// cutoff. Turn logs of sessions still open are skipped.
func (s *FileSink) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	open := make(map[string]bool, len(s.files))
	for id := range s.files {
		open[id+".jsonl"] = true
	}
	s.mu.Unlock()
	return PurgeDir(ctx, s.dir, cutoff, func(name string) bool {
		return !open[name] && (strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jsonl"))
	})
}

// PurgeDir deletes the regular files in dir that match and were last
// modified before cutoff. A missing dir purges nothing.
func PurgeDir(ctx context.Context, dir string, cutoff time.Time, match func(name string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var removed int
	var errs error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, errors.Join(errs, err)
		}
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// Sweep runs one retention pass over every purger.
func Sweep(ctx context.Context, maxAge time.Duration, logger *slog.Logger, purgers ...Purger) int {
	if maxAge <= 0 {
		return 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	cutoff := time.Now().Add(-maxAge)
	var total int
	for _, p := range purgers {
		if p == nil {
			continue
		}
		n, err := p.Purge(ctx, cutoff)
		total += n
		if err != nil {
			logger.Warn("retention_purge_failed", "error", err.Error(), "removed", n)
		}
	}
	if total > 0 {
		logger.Info("retention_purged", "removed", total, "max_age_hours", maxAge.Hours())
	}
	return total
}

// RunRetention sweeps immediately and then every interval until ctx ends.
func RunRetention(ctx context.Context, interval, maxAge time.Duration, logger *slog.Logger, purgers ...Purger) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	Sweep(ctx, maxAge, logger, purgers...)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Sweep(ctx, maxAge, logger, purgers...)
		}
	}
}

var (
	_ Purger = (*FileSink)(nil)
	_ Purger = (*SQLiteSink)(nil)
)
