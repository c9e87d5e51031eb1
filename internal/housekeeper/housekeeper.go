// Package housekeeper removes stale job workspaces left behind by
// crashed or interrupted renders.
package housekeeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/config"
)

var logger = logrus.WithField("component", "housekeeper")

// Housekeeper periodically sweeps workspace roots for stale entries
type Housekeeper struct {
	config *config.Config
	roots  []string
}

// New creates a housekeeper for the given roots
func New(cfg *config.Config, roots ...string) *Housekeeper {
	return &Housekeeper{config: cfg, roots: roots}
}

// Start sweeps once immediately, then on every tick until ctx is done
func (h *Housekeeper) Start(ctx context.Context) {
	h.Sweep()

	ticker := time.NewTicker(h.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Sweep removes entries older than the retention period. Entries that
// vanish mid-sweep are skipped.
func (h *Housekeeper) Sweep() {
	cutoff := time.Now().Add(-h.config.RetentionPeriod)

	for _, root := range h.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.WithError(err).WithField("root", root).Warn("Failed to read workspace root")
			}
			continue
		}

		for _, entry := range entries {
			path := filepath.Join(root, entry.Name())

			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			if err := os.RemoveAll(path); err != nil {
				logger.WithError(err).WithField("path", path).Warn("Failed to remove stale entry")
				continue
			}
			logger.WithField("path", path).Info("Removed stale workspace entry")
		}
	}
}
