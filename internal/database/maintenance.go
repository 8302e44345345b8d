package database

import (
	"context"
	"log/slog"
	"time"
)

// Maintain runs periodic maintenance until the context is cancelled.
// Blocks; run in its own goroutine.
func (db *DB) Maintain(ctx context.Context, retentionDays int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	// Run immediately on start
	db.performMaintenance(retentionDays)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.performMaintenance(retentionDays)
		}
	}
}

func (db *DB) performMaintenance(retentionDays int) {
	slog.Debug("running database maintenance")
	if err := db.PruneOldSamples(retentionDays); err != nil {
		slog.Error("failed to prune old samples", "error", err)
	}
}
