package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/downloadmanager/internal/storage"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/telemetry"
)

// InstrumentedRegistry wraps Registry with telemetry.
type InstrumentedRegistry struct {
	repo      *Registry
	telemetry *telemetry.Telemetry
}

var _ storage.Registry = (*InstrumentedRegistry)(nil)

// NewInstrumentedRegistry creates a new instrumented registry.
func NewInstrumentedRegistry(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRegistry {
	return &InstrumentedRegistry{
		repo:      NewRegistry(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRegistry) Upsert(ctx context.Context, t *task.Task) error {
	return r.telemetry.InstrumentDBOperation(ctx, "upsert_task", func(ctx context.Context) error {
		return r.repo.Upsert(ctx, t)
	})
}

func (r *InstrumentedRegistry) Get(ctx context.Context, link string) (*task.Task, error) {
	var result *task.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "get_task", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, link)

		return err
	})

	return result, err
}

func (r *InstrumentedRegistry) Delete(ctx context.Context, link string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_task", func(ctx context.Context) error {
		return r.repo.Delete(ctx, link)
	})
}

func (r *InstrumentedRegistry) ListActive(ctx context.Context) ([]*task.Task, error) {
	var result []*task.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "list_active", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListActive(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedRegistry) ListAll(ctx context.Context) ([]*task.Task, error) {
	var result []*task.Task

	err := r.telemetry.InstrumentDBOperation(ctx, "list_all", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListAll(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedRegistry) SetSessionSnapshot(ctx context.Context, link string, blob []byte) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_snapshot", func(ctx context.Context) error {
		return r.repo.SetSessionSnapshot(ctx, link, blob)
	})
}

func (r *InstrumentedRegistry) GetSessionSnapshot(ctx context.Context, link string) ([]byte, error) {
	var result []byte

	err := r.telemetry.InstrumentDBOperation(ctx, "get_snapshot", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetSessionSnapshot(ctx, link)

		return err
	})

	return result, err
}

func (r *InstrumentedRegistry) SetFileManifest(ctx context.Context, link string, entries []storage.FileManifestEntry) error {
	return r.telemetry.InstrumentDBOperation(ctx, "set_manifest", func(ctx context.Context) error {
		return r.repo.SetFileManifest(ctx, link, entries)
	})
}

func (r *InstrumentedRegistry) GetFileManifest(ctx context.Context, link string) ([]storage.FileManifestEntry, error) {
	var result []storage.FileManifestEntry

	err := r.telemetry.InstrumentDBOperation(ctx, "get_manifest", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetFileManifest(ctx, link)

		return err
	})

	return result, err
}

func (r *InstrumentedRegistry) Correlate(ctx context.Context, requestID, link string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "correlate", func(ctx context.Context) error {
		return r.repo.Correlate(ctx, requestID, link)
	})
}

func (r *InstrumentedRegistry) Resolve(ctx context.Context, requestID string) (string, error) {
	var link string

	err := r.telemetry.InstrumentDBOperation(ctx, "resolve", func(ctx context.Context) error {
		var err error
		link, err = r.repo.Resolve(ctx, requestID)

		return err
	})

	return link, err
}

func (r *InstrumentedRegistry) PruneSessions(ctx context.Context, link string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "prune_sessions", func(ctx context.Context) error {
		return r.repo.PruneSessions(ctx, link)
	})
}
