package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultStagingTTL           = 24 * time.Hour
	DefaultStagingCleanInterval = time.Hour
)

// StartStagingCleaner periodically removes batch directories left behind by
// requests that died before Ingest ran.
func (p *Pipeline) StartStagingCleaner(ctx context.Context, ttl, interval time.Duration) {
	if ttl <= 0 {
		ttl = DefaultStagingTTL
	}
	if interval <= 0 {
		interval = DefaultStagingCleanInterval
	}
	go p.cleanupLoop(ctx, ttl, interval)
}

func (p *Pipeline) cleanupLoop(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.CleanStaging(ttl); err != nil {
				p.logger.Warn("cleanup staging failed", "error", err)
			} else if n > 0 {
				p.logger.Info("cleaned staging", "removed", n)
			}
		}
	}
}

// CleanStaging removes batch directories older than ttl and reports how many
// were removed.
func (p *Pipeline) CleanStaging(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(p.opts.StagingDir)
	if err != nil {
		return 0, err
	}
	cutoff := p.now().Add(-ttl)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "batch-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(p.opts.StagingDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("remove stale batch failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
