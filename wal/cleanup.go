package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupStats reports what a cleanup pass removed.
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes audit log files older than retentionDays.
func Cleanup(dir string, retentionDays int) (CleanupStats, error) {
	var stats CleanupStats

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.wal"))
	if err != nil {
		return stats, fmt.Errorf("list audit log files: %w", err)
	}

	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("remove %s: %w", file, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}
	return stats, nil
}
