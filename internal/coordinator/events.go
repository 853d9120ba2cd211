package coordinator

import (
	"context"
	"errors"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/storage"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

// Run consumes engine events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("coordinator event loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("coordinator event loop stopped")

			return nil
		case ev := <-c.events:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev transfer.Event) {
	unlock := c.locks.Lock(ev.Link)
	defer unlock()

	ctx = logctx.WithTask(ctx, ev.Link, ev.RequestID)
	logger := logctx.LoggerFromContext(ctx)

	if !c.isLive(ev.Link, ev.RequestID) {
		logger.Debug("dropping stale engine event", "event", ev.Type)

		return
	}

	t, err := c.registry.Get(ctx, ev.Link)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("failed to load task for event", "event", ev.Type, "err", err)
		}

		return
	}

	switch ev.Type {
	case transfer.EventMetadata:
		err = c.onMetadata(ctx, t, ev)
	case transfer.EventProgress:
		err = c.onProgress(ctx, t, ev)
	case transfer.EventCheckpoint:
		err = c.onCheckpoint(ctx, t, ev)
	case transfer.EventCompleted:
		err = c.onCompleted(ctx, t, ev)
	case transfer.EventSeeding:
		err = c.onSeeding(ctx, t)
	case transfer.EventFailed:
		err = c.onFailed(ctx, t, ev)
	}

	if err != nil {
		logger.Error("failed to apply engine event", "event", ev.Type, "err", err)
	}
}

func (c *Coordinator) onMetadata(ctx context.Context, t *task.Task, ev transfer.Event) error {
	if ev.Name != "" {
		t.Name = ev.Name
	}

	if ev.TotalBytes >= 0 {
		t.SetTotal(ev.TotalBytes)
	}

	if t.Kind == task.KindSwarm && len(ev.Files) > 0 {
		entries := make([]storage.FileManifestEntry, 0, len(ev.Files))
		for _, f := range ev.Files {
			entries = append(entries, storage.FileManifestEntry{
				Link:         t.Link,
				RelativePath: f.Path,
				Size:         f.Size,
				Selected:     f.Selected,
			})
		}

		if err := c.registry.SetFileManifest(ctx, t.Link, entries); err != nil {
			return err
		}
	}

	if t.State == task.StateInit {
		if err := c.transition(ctx, t, task.StateDownloading); err != nil {
			return err
		}
	}

	t.Description = ev.Description
	if t.Description == "" {
		t.Description = "downloading"
	}

	return c.persist(ctx, t)
}

func (c *Coordinator) onProgress(_ context.Context, t *task.Task, ev transfer.Event) error {
	if t.State != task.StateDownloading {
		return nil
	}

	if ev.TotalBytes >= 0 && !t.TotalKnown() {
		t.SetTotal(ev.TotalBytes)
	}

	t.RecordProgress(c.pendingProgress(t.Link))
	t.RecordProgress(task.ProgressFor(ev.DownloadedBytes, t.TotalBytes))

	if ev.Description != "" {
		t.Description = ev.Description
	}

	c.publishProgress(t)

	return nil
}

func (c *Coordinator) onCheckpoint(ctx context.Context, t *task.Task, ev transfer.Event) error {
	if err := c.applyCheckpoint(ctx, t, checkpointOf(ev)); err != nil {
		return err
	}

	if !t.State.IsFinished() {
		t.RecordProgress(task.ProgressFor(t.DownloadedBytes, t.TotalBytes))
	}

	return c.persist(ctx, t)
}

func (c *Coordinator) onCompleted(ctx context.Context, t *task.Task, ev transfer.Event) error {
	if ev.TotalBytes >= 0 {
		t.SetTotal(ev.TotalBytes)
	}

	if err := c.applyCheckpoint(ctx, t, checkpointOf(ev)); err != nil {
		return err
	}

	if err := c.transition(ctx, t, task.StateCompleted); err != nil {
		return err
	}

	// Swarm workers keep the same request id when they go on to seed.
	if t.Kind != task.KindSwarm {
		c.setLive(t.Link, "")
	}

	t.Description = "completed"
	logctx.LoggerFromContext(ctx).Info("transfer completed", "name", t.Name, "bytes", t.DownloadedBytes)

	return c.persist(ctx, t)
}

func (c *Coordinator) onSeeding(ctx context.Context, t *task.Task) error {
	if err := c.transition(ctx, t, task.StateSeeding); err != nil {
		return err
	}

	t.Description = "seeding"

	return c.persist(ctx, t)
}

func (c *Coordinator) onFailed(ctx context.Context, t *task.Task, ev transfer.Event) error {
	c.setLive(t.Link, "")

	if err := c.applyCheckpoint(ctx, t, checkpointOf(ev)); err != nil {
		return err
	}

	target := task.StateErrorPaused
	if transfer.Classify(ev.Err) == transfer.FailureDestination {
		target = task.StateStorageMovedFailed
	}

	if err := c.transition(ctx, t, target); err != nil {
		return err
	}

	if ev.Err != nil {
		t.ErrorMessage = ev.Err.Error()
	}

	t.Description = "failed"
	logctx.LoggerFromContext(ctx).Warn("transfer failed", "state", target, "err", ev.Err)

	return c.persist(ctx, t)
}

func checkpointOf(ev transfer.Event) transfer.Checkpoint {
	return transfer.Checkpoint{
		DownloadedBytes: ev.DownloadedBytes,
		Snapshot:        ev.Snapshot,
		Validator:       ev.Validator,
		Rewound:         ev.Rewound,
	}
}
