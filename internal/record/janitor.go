package record

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Janitor deletes call recordings older than the retention window, keyed on
// the per-call directory's modification time (set when meta.txt lands).
type Janitor struct {
	baseDir   string
	retention time.Duration
}

func NewJanitor(baseDir string, retention time.Duration) *Janitor {
	return &Janitor{baseDir: baseDir, retention: retention}
}

// SweepOnce removes expired recording directories. Returns how many were
// deleted.
func (j *Janitor) SweepOnce(now time.Time) (int, error) {
	entries, err := os.ReadDir(j.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := now.Add(-j.retention)
	deleted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(j.baseDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[record] janitor failed to delete %s: %v", dir, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("[record] janitor deleted %d expired recordings", deleted)
	}
	return deleted, nil
}

// Run sweeps periodically until ctx ends.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.SweepOnce(time.Now())
		}
	}
}
