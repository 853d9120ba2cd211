package storage

import (
	"context"
	"errors"

	"github.com/italolelis/downloadmanager/internal/task"
)

// ErrNotFound is returned when a link or request id is unknown.
var ErrNotFound = errors.New("storage: not found")

// FileManifestEntry describes one constituent file of a swarm transfer.
type FileManifestEntry struct {
	Link         string
	RelativePath string
	Size         int64
	Selected     bool
}

// TaskReadRepository serves the read side of the registry.
type TaskReadRepository interface {
	Get(ctx context.Context, link string) (*task.Task, error)
	ListActive(ctx context.Context) ([]*task.Task, error) // state != completed
	ListAll(ctx context.Context) ([]*task.Task, error)
	GetSessionSnapshot(ctx context.Context, link string) ([]byte, error)
	GetFileManifest(ctx context.Context, link string) ([]FileManifestEntry, error)
	Resolve(ctx context.Context, requestID string) (string, error)
}

// TaskWriteRepository serves the write side. Writes for one link are applied
// in call order; different links are independent.
type TaskWriteRepository interface {
	Upsert(ctx context.Context, t *task.Task) error
	Delete(ctx context.Context, link string) error // cascades to every row owned by the link
	SetSessionSnapshot(ctx context.Context, link string, blob []byte) error
	SetFileManifest(ctx context.Context, link string, entries []FileManifestEntry) error
	Correlate(ctx context.Context, requestID, link string) error
	PruneSessions(ctx context.Context, link string) error // drops snapshot and manifest rows only
}

// Registry is the durable store of download tasks.
type Registry interface {
	TaskReadRepository
	TaskWriteRepository
}
