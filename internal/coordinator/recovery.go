package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/storage"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

// Recover reconciles the registry after a restart. Tasks left running are
// paused, and swarm tasks get their sessions re-attached idle from the last
// snapshot so that their files can be verified against the disk.
func (c *Coordinator) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	tasks, err := c.registry.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active tasks: %w", err)
	}

	var recovered int

	for _, t := range tasks {
		if err := c.recoverTask(logctx.WithTask(ctx, t.Link, t.RequestID), t); err != nil {
			logger.Error("failed to recover task", "link", t.Link, "err", err)

			continue
		}

		recovered++
	}

	logger.Info("recovered tasks", "count", recovered, "total", len(tasks))

	return nil
}

func (c *Coordinator) recoverTask(ctx context.Context, t *task.Task) error {
	unlock := c.locks.Lock(t.Link)
	defer unlock()

	logger := logctx.LoggerFromContext(ctx)

	// The gauge starts at zero in a new process; balance the pause below.
	if t.State.IsRunning() {
		c.tel.IncrementActiveTransfers(ctx, string(t.Kind))
	}

	switch t.State {
	case task.StateInit, task.StateDownloading:
		if err := c.transition(ctx, t, task.StatePaused); err != nil {
			return err
		}

		t.Description = "paused after restart"
	case task.StateSeeding:
		if err := c.transition(ctx, t, task.StateSeedingPaused); err != nil {
			return err
		}

		t.Description = "seeding paused after restart"
	}

	if t.Kind == task.KindSwarm && !t.State.IsFailed() {
		if err := c.reattach(ctx, t); err != nil {
			logger.Warn("failed to re-attach swarm session", "err", err)
		}
	}

	return c.persist(ctx, t)
}

func (c *Coordinator) reattach(ctx context.Context, t *task.Task) error {
	eng, err := c.engine(t.Kind)
	if err != nil {
		return err
	}

	se, ok := eng.(transfer.SwarmEngine)
	if !ok {
		return fmt.Errorf("%w: %s cannot attach sessions", ErrNoEngine, t.Kind)
	}

	spec, err := c.specFor(ctx, t)
	if err != nil {
		return err
	}

	requestID, err := se.AddFromLink(ctx, spec)
	if err != nil {
		return err
	}

	if err := c.registry.Correlate(ctx, requestID, t.Link); err != nil {
		return fmt.Errorf("failed to correlate request: %w", err)
	}

	t.RequestID = requestID

	manifest, err := c.registry.GetFileManifest(ctx, t.Link)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load file manifest: %w", err)
	}

	onDisk := filesOnDisk(t.Destination, manifest)
	if len(onDisk) == 0 {
		return nil
	}

	return se.ReconcileFiles(ctx, t.Link, onDisk)
}

// filesOnDisk returns the manifest files that are present at their full size.
func filesOnDisk(destination string, manifest []storage.FileManifestEntry) []transfer.File {
	var files []transfer.File

	for _, m := range manifest {
		fi, err := os.Stat(filepath.Join(destination, m.RelativePath))
		if err != nil || fi.IsDir() || fi.Size() != m.Size {
			continue
		}

		files = append(files, transfer.File{Path: m.RelativePath, Size: m.Size, Selected: m.Selected})
	}

	return files
}

// Shutdown pauses every running worker in place, persisting its final
// checkpoint, and closes the engines.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	running := make(map[string]string, len(c.live))
	for link, id := range c.live {
		running[link] = id
	}
	c.mu.Unlock()

	for _, requestID := range running {
		if err := c.Pause(ctx, requestID); err != nil {
			logger.Warn("failed to pause task on shutdown", "request_id", requestID, "err", err)
		}
	}

	var errs []error

	for kind, eng := range c.engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s engine: %w", kind, err))
		}
	}

	logger.Info("coordinator shut down", "paused", len(running))

	return errors.Join(errs...)
}
