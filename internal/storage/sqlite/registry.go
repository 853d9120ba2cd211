package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/downloadmanager/internal/storage"
	"github.com/italolelis/downloadmanager/internal/task"
)

const taskColumns = `link, kind, request_id, name, description, destination, total_bytes,
	downloaded_bytes, resume_validator, progress, state, error_message, created_at, updated_at`

// Registry implements storage.Registry on top of SQLite.
type Registry struct {
	db    *sql.DB
	locks *storage.KeyedMutex
}

// NewRegistry creates a registry backed by an initialized database.
func NewRegistry(dbConn *sql.DB) *Registry {
	return &Registry{db: dbConn, locks: storage.NewKeyedMutex()}
}

// Upsert inserts the task or updates the existing row for its link.
func (r *Registry) Upsert(ctx context.Context, t *task.Task) error {
	unlock := r.locks.Lock(t.Link)
	defer unlock()

	var total sql.NullInt64
	if t.TotalBytes != nil {
		total = sql.NullInt64{Int64: *t.TotalBytes, Valid: true}
	}

	now := time.Now().UTC()

	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(link) DO UPDATE SET
			kind = excluded.kind,
			request_id = excluded.request_id,
			name = excluded.name,
			description = excluded.description,
			destination = excluded.destination,
			total_bytes = excluded.total_bytes,
			downloaded_bytes = excluded.downloaded_bytes,
			resume_validator = excluded.resume_validator,
			progress = excluded.progress,
			state = excluded.state,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`,
		t.Link, string(t.Kind), t.RequestID, t.Name, t.Description, t.Destination, total,
		t.DownloadedBytes, t.ResumeValidator, t.Progress, string(t.State), t.ErrorMessage, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	return nil
}

// Get returns the task stored for link.
func (r *Registry) Get(ctx context.Context, link string) (*task.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE link = ?`, link)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return t, nil
}

// Delete removes the task and every snapshot, manifest and correlation row
// owned by it in a single transaction.
func (r *Registry) Delete(ctx context.Context, link string) error {
	unlock := r.locks.Lock(link)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM request_correlations WHERE link = ?`,
		`DELETE FROM file_manifest WHERE link = ?`,
		`DELETE FROM session_snapshots WHERE link = ?`,
		`DELETE FROM tasks WHERE link = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, link); err != nil {
			return fmt.Errorf("failed to delete task rows: %w", err)
		}
	}

	return tx.Commit()
}

// ListActive returns every task that has not completed.
func (r *Registry) ListActive(ctx context.Context) ([]*task.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks WHERE state != ? ORDER BY created_at`, string(task.StateCompleted))
}

// ListAll returns every task.
func (r *Registry) ListAll(ctx context.Context) ([]*task.Task, error) {
	return r.list(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

// SetSessionSnapshot stores the engine snapshot for link.
func (r *Registry) SetSessionSnapshot(ctx context.Context, link string, blob []byte) error {
	unlock := r.locks.Lock(link)
	defer unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (link, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(link) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at
	`, link, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store session snapshot: %w", err)
	}

	return nil
}

// GetSessionSnapshot returns the stored snapshot for link.
func (r *Registry) GetSessionSnapshot(ctx context.Context, link string) ([]byte, error) {
	var blob []byte

	err := r.db.QueryRowContext(ctx, `SELECT blob FROM session_snapshots WHERE link = ?`, link).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get session snapshot: %w", err)
	}

	return blob, nil
}

// SetFileManifest replaces the file manifest of link.
func (r *Registry) SetFileManifest(ctx context.Context, link string, entries []storage.FileManifestEntry) error {
	unlock := r.locks.Lock(link)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_manifest WHERE link = ?`, link); err != nil {
		return fmt.Errorf("failed to clear file manifest: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO file_manifest (link, relative_path, size, selected) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare manifest insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, link, e.RelativePath, e.Size, e.Selected); err != nil {
			return fmt.Errorf("failed to insert manifest entry %s: %w", e.RelativePath, err)
		}
	}

	return tx.Commit()
}

// GetFileManifest returns the manifest of link ordered by path.
func (r *Registry) GetFileManifest(ctx context.Context, link string) ([]storage.FileManifestEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT link, relative_path, size, selected FROM file_manifest WHERE link = ? ORDER BY relative_path`, link)
	if err != nil {
		return nil, fmt.Errorf("failed to get file manifest: %w", err)
	}
	defer rows.Close()

	var entries []storage.FileManifestEntry

	for rows.Next() {
		var e storage.FileManifestEntry
		if err := rows.Scan(&e.Link, &e.RelativePath, &e.Size, &e.Selected); err != nil {
			return nil, err
		}

		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Correlate records that requestID refers to link. Older request ids for the
// same link stay resolvable.
func (r *Registry) Correlate(ctx context.Context, requestID, link string) error {
	unlock := r.locks.Lock(link)
	defer unlock()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO request_correlations (request_id, link, created_at) VALUES (?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET link = excluded.link
	`, requestID, link, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to correlate request: %w", err)
	}

	return nil
}

// Resolve maps an engine request id back to its link.
func (r *Registry) Resolve(ctx context.Context, requestID string) (string, error) {
	var link string

	err := r.db.QueryRowContext(ctx, `SELECT link FROM request_correlations WHERE request_id = ?`, requestID).Scan(&link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("failed to resolve request: %w", err)
	}

	return link, nil
}

// PruneSessions drops the snapshot and manifest rows of link.
func (r *Registry) PruneSessions(ctx context.Context, link string) error {
	unlock := r.locks.Lock(link)
	defer unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE link = ?`, link); err != nil {
		return fmt.Errorf("failed to prune session snapshot: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM file_manifest WHERE link = ?`, link); err != nil {
		return fmt.Errorf("failed to prune file manifest: %w", err)
	}

	return nil
}

func (r *Registry) list(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*task.Task, error) {
	var (
		t         task.Task
		kind      string
		state     string
		requestID sql.NullString
		total     sql.NullInt64
	)

	err := s.Scan(&t.Link, &kind, &requestID, &t.Name, &t.Description, &t.Destination, &total,
		&t.DownloadedBytes, &t.ResumeValidator, &t.Progress, &state, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	st, err := task.ParseState(state)
	if err != nil {
		return nil, err
	}

	t.Kind = task.Kind(kind)
	t.State = st
	t.RequestID = requestID.String

	if total.Valid {
		t.SetTotal(total.Int64)
	}

	return &t, nil
}
