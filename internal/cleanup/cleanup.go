package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/task"
)

// SessionStore is the part of the registry the cleanup loop needs.
type SessionStore interface {
	ListAll(ctx context.Context) ([]*task.Task, error)
	PruneSessions(ctx context.Context, link string) error
}

// PruneCompletedSessions drops the snapshot and manifest rows of tasks that
// completed more than keepDuration ago. Task rows and correlations stay.
// Seeding tasks keep their sessions.
func PruneCompletedSessions(ctx context.Context, store SessionStore, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	tasks, err := store.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tasks: %w", err)
	}

	var pruned int

	for _, t := range tasks {
		if t.State != task.StateCompleted || now.Sub(t.UpdatedAt) <= keepDuration {
			continue
		}

		if err := store.PruneSessions(ctx, t.Link); err != nil {
			logger.Error("Failed to prune session rows", "link", t.Link, "err", err)

			return pruned, err
		}

		logger.Debug("Pruned session rows", "link", t.Link)

		pruned++
	}

	return pruned, nil
}

// Run prunes on every tick of interval until ctx is done.
func Run(ctx context.Context, store SessionStore, interval, keepDuration time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := PruneCompletedSessions(ctx, store, keepDuration)
			if err != nil {
				logger.Error("cleanup pass failed", "err", err)

				continue
			}

			if n > 0 {
				logger.Info("cleanup pass pruned sessions", "count", n)
			}
		}
	}
}
