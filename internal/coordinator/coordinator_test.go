package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/downloadmanager/internal/storage"
	"github.com/italolelis/downloadmanager/internal/storage/sqlite"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

const (
	httpLink  = "https://example.com/files/a.iso"
	swarmLink = "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=ubuntu"
)

type harness struct {
	c        *Coordinator
	registry storage.Registry
	http     *fakeEngine
	swarm    *fakeEngine
	dest     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		registry: sqlite.NewRegistry(db),
		http:     newFakeEngine(task.KindHTTP),
		swarm:    newFakeEngine(task.KindSwarm),
		dest:     t.TempDir(),
	}
	h.start(t)

	return h
}

// start runs a fresh coordinator over the harness registry.
func (h *harness) start(t *testing.T) {
	t.Helper()

	h.c = New(h.registry, []transfer.Engine{h.http, h.swarm}, Options{QueueSize: 16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.c.Run(ctx) //nolint:errcheck
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) waitFor(t *testing.T, requestID string, cond func(*task.Task) bool) *task.Task {
	t.Helper()

	var last *task.Task

	require.Eventually(t, func() bool {
		got, err := h.c.Get(context.Background(), requestID)
		if err != nil {
			return false
		}

		last = got

		return cond(got)
	}, 2*time.Second, 5*time.Millisecond)

	return last
}

func inState(s task.State) func(*task.Task) bool {
	return func(t *task.Task) bool { return t.State == s }
}

func TestCoordinator_HTTPTaskCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, "", h.dest)
	require.NoError(t, err)

	got, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateInit, got.State)
	assert.Equal(t, task.KindHTTP, got.Kind)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	got = h.waitFor(t, id, inState(task.StateDownloading))
	assert.Equal(t, "a.iso", got.Name)
	require.True(t, got.TotalKnown())
	assert.Equal(t, int64(1000), *got.TotalBytes)

	h.http.emit(transfer.Event{Type: transfer.EventProgress, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 420})
	got = h.waitFor(t, id, func(t *task.Task) bool { return t.Progress > 0 })
	assert.InDelta(t, 0.42, got.Progress, 0.0001)

	h.http.emit(transfer.Event{Type: transfer.EventCompleted, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 1000})
	got = h.waitFor(t, id, inState(task.StateCompleted))
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, int64(1000), got.DownloadedBytes)
}

func TestCoordinator_SubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	second, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, h.http.calls().starts, 1)

	all, err := h.c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCoordinator_SubmitRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.c.Submit(ctx, "https://invalid.example.com/x", task.KindHTTP, h.dest)

	var linkErr *transfer.InvalidLinkError
	require.ErrorAs(t, err, &linkErr)

	_, err = h.c.Submit(ctx, httpLink, task.KindHTTP, filepath.Join(h.dest, "missing"))
	require.ErrorIs(t, err, ErrDestinationInvalid)

	all, err := h.c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCoordinator_PauseAndResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.http.emit(transfer.Event{Type: transfer.EventCheckpoint, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 400})
	h.http.emit(transfer.Event{Type: transfer.EventProgress, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 420})
	h.waitFor(t, id, func(t *task.Task) bool { return t.Progress >= 0.42 && t.DownloadedBytes == 400 })

	h.http.mu.Lock()
	h.http.checkpoint = transfer.Checkpoint{DownloadedBytes: 410}
	h.http.mu.Unlock()

	require.NoError(t, h.c.Pause(ctx, id))

	got, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, got.State)
	assert.InDelta(t, 0.42, got.Progress, 0.0001)
	assert.Equal(t, int64(410), got.DownloadedBytes)

	// Pausing twice is a no-op.
	require.NoError(t, h.c.Pause(ctx, id))

	// A late event from the stopped worker is ignored.
	h.http.emit(transfer.Event{Type: transfer.EventCompleted, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 1000})

	require.NoError(t, h.c.Resume(ctx, id))

	starts := h.http.calls().starts
	require.Len(t, starts, 2)
	assert.Equal(t, int64(410), starts[1].DownloadedBytes)
	assert.Equal(t, "a.iso", starts[1].Name)

	resumed, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateDownloading, resumed.State)
	assert.NotEqual(t, id, resumed.RequestID)

	h.http.emit(transfer.Event{Type: transfer.EventProgress, Link: httpLink, RequestID: resumed.RequestID, TotalBytes: 1000, DownloadedBytes: 500})
	got = h.waitFor(t, resumed.RequestID, func(t *task.Task) bool { return t.Progress >= 0.5 })
	assert.Equal(t, task.StateDownloading, got.State)
}

func TestCoordinator_RewoundCheckpointLowersStoredOffset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.http.emit(transfer.Event{Type: transfer.EventCheckpoint, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 800, Validator: `"v1"`})
	h.waitFor(t, id, func(t *task.Task) bool { return t.DownloadedBytes == 800 })

	// Without the rewind marker a lower checkpoint never wins.
	h.http.emit(transfer.Event{Type: transfer.EventCheckpoint, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 50})
	h.http.emit(transfer.Event{Type: transfer.EventProgress, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 850})
	got := h.waitFor(t, id, func(t *task.Task) bool { return t.Progress >= 0.85 })
	assert.Equal(t, int64(800), got.DownloadedBytes)
	assert.Equal(t, `"v1"`, got.ResumeValidator)

	h.http.mu.Lock()
	h.http.checkpoint = transfer.Checkpoint{DownloadedBytes: 100, Validator: `"v2"`, Rewound: true}
	h.http.mu.Unlock()

	require.NoError(t, h.c.Pause(ctx, id))

	stored, err := h.registry.Get(ctx, httpLink)
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, stored.State)
	assert.Equal(t, int64(100), stored.DownloadedBytes)
	assert.Equal(t, `"v2"`, stored.ResumeValidator)
	assert.InDelta(t, 0.85, stored.Progress, 0.0001)

	require.NoError(t, h.c.Resume(ctx, id))

	starts := h.http.calls().starts
	require.Len(t, starts, 2)
	assert.Equal(t, int64(100), starts[1].DownloadedBytes)
	assert.Equal(t, `"v2"`, starts[1].Validator)
}

func TestCoordinator_ProgressIsStoredWithCheckpoints(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	stream, stop := context.WithCancel(ctx)
	defer stop()

	events := h.c.Subscribe(stream)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.http.emit(transfer.Event{Type: transfer.EventProgress, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 420})

	published := false
	for !published {
		select {
		case ev := <-events:
			published = ev.Progress >= 0.42
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for progress event")
		}
	}

	stored, err := h.registry.Get(ctx, httpLink)
	require.NoError(t, err)
	assert.Equal(t, task.StateDownloading, stored.State)
	assert.Zero(t, stored.Progress)

	got, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, got.Progress, 0.0001)

	h.http.emit(transfer.Event{Type: transfer.EventCheckpoint, Link: httpLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 300})

	require.Eventually(t, func() bool {
		stored, err := h.registry.Get(ctx, httpLink)
		require.NoError(t, err)

		return stored.DownloadedBytes == 300 && stored.Progress >= 0.42
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCoordinator_DestinationFailureNeedsValidDestination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	dest := filepath.Join(h.dest, "volume")
	require.NoError(t, os.Mkdir(dest, 0o755))

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.waitFor(t, id, inState(task.StateDownloading))

	require.NoError(t, os.RemoveAll(dest))

	h.http.emit(transfer.Event{
		Type:            transfer.EventFailed,
		Link:            httpLink,
		RequestID:       id,
		DownloadedBytes: 300,
		Err:             transfer.WrapDestination(filepath.Join(dest, "a.iso"), &os.PathError{Op: "open", Path: dest, Err: os.ErrNotExist}),
	})
	got := h.waitFor(t, id, inState(task.StateStorageMovedFailed))
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Equal(t, int64(300), got.DownloadedBytes)

	err = h.c.Retry(ctx, id)
	require.ErrorIs(t, err, ErrDestinationInvalid)

	got, err = h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateStorageMovedFailed, got.State)

	require.NoError(t, os.Mkdir(dest, 0o755))
	require.NoError(t, h.c.Retry(ctx, id))

	got, err = h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateDownloading, got.State)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []string{id}, h.http.calls().retries)
}

func TestCoordinator_TransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{
		Type:      transfer.EventFailed,
		Link:      httpLink,
		RequestID: id,
		Err:       &transfer.NetworkError{Operation: "fetch", StatusCode: 503, Message: "unavailable"},
	})
	h.waitFor(t, id, inState(task.StateErrorPaused))

	require.NoError(t, h.c.Retry(ctx, id))

	got, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateDownloading, got.State)
}

func TestCoordinator_RejectsIllegalCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 10})
	h.http.emit(transfer.Event{Type: transfer.EventCompleted, Link: httpLink, RequestID: id, TotalBytes: 10, DownloadedBytes: 10})
	h.waitFor(t, id, inState(task.StateCompleted))

	var transErr *task.TransitionError
	require.ErrorAs(t, h.c.Retry(ctx, id), &transErr)
	require.ErrorAs(t, h.c.Pause(ctx, id), &transErr)
	require.ErrorAs(t, h.c.Resume(ctx, id), &transErr)

	got, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)

	require.ErrorIs(t, h.c.Pause(ctx, "unknown"), ErrUnknownRequest)
}

func TestCoordinator_CancelDeletesPartialData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	stream, stop := context.WithCancel(ctx)
	defer stop()
	events := h.c.Subscribe(stream)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.waitFor(t, id, inState(task.StateDownloading))

	partial := filepath.Join(h.dest, "a.iso")
	require.NoError(t, os.WriteFile(partial, []byte("part"), 0o644))

	require.NoError(t, h.c.Cancel(ctx, id))

	assert.NoFileExists(t, partial)
	assert.Equal(t, []string{id}, h.http.calls().cancelled)

	_, err = h.registry.Get(ctx, httpLink)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Removed && ev.Link == httpLink {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_RemoveKeepsCompletedData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	require.ErrorIs(t, h.c.Remove(ctx, id), ErrTaskActive)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 4})
	h.http.emit(transfer.Event{Type: transfer.EventCompleted, Link: httpLink, RequestID: id, TotalBytes: 4, DownloadedBytes: 4})
	h.waitFor(t, id, inState(task.StateCompleted))

	done := filepath.Join(h.dest, "a.iso")
	require.NoError(t, os.WriteFile(done, []byte("data"), 0o644))

	require.NoError(t, h.c.Remove(ctx, id))

	assert.FileExists(t, done)

	all, err := h.c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCoordinator_RemoveKeepsPartialData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.waitFor(t, id, inState(task.StateDownloading))

	partial := filepath.Join(h.dest, "a.iso")
	require.NoError(t, os.WriteFile(partial, []byte("part"), 0o644))

	require.NoError(t, h.c.Pause(ctx, id))
	require.NoError(t, h.c.Remove(ctx, id))

	assert.FileExists(t, partial)

	_, err = h.c.Get(ctx, id)
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestCoordinator_SwarmSeedsAndPausesSeeding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, swarmLink, "", h.dest)
	require.NoError(t, err)

	h.swarm.emit(transfer.Event{
		Type:       transfer.EventMetadata,
		Link:       swarmLink,
		RequestID:  id,
		Name:       "ubuntu",
		TotalBytes: 1000,
		Files: []transfer.File{
			{Path: "ubuntu/disc.iso", Size: 600, Selected: true},
			{Path: "ubuntu/README", Size: 400, Selected: true},
		},
	})
	h.waitFor(t, id, inState(task.StateDownloading))

	manifest, err := h.registry.GetFileManifest(ctx, swarmLink)
	require.NoError(t, err)
	assert.Len(t, manifest, 2)

	h.swarm.emit(transfer.Event{Type: transfer.EventCheckpoint, Link: swarmLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 1000, Snapshot: []byte("snap")})
	h.swarm.emit(transfer.Event{Type: transfer.EventCompleted, Link: swarmLink, RequestID: id, TotalBytes: 1000, DownloadedBytes: 1000})
	h.swarm.emit(transfer.Event{Type: transfer.EventSeeding, Link: swarmLink, RequestID: id})
	got := h.waitFor(t, id, inState(task.StateSeeding))
	assert.Equal(t, 1.0, got.Progress)

	snapshot, err := h.registry.GetSessionSnapshot(ctx, swarmLink)
	require.NoError(t, err)
	assert.Equal(t, []byte("snap"), snapshot)

	require.NoError(t, h.c.Pause(ctx, id))

	got, err = h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateSeedingPaused, got.State)
	assert.Equal(t, 1.0, got.Progress)

	require.NoError(t, h.c.Resume(ctx, id))

	got, err = h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StateSeeding, got.State)
}

func TestCoordinator_RecoverPausesAndReattaches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	httpTask := task.New(httpLink, task.KindHTTP, h.dest)
	httpTask.RequestID = "old-http"
	httpTask.SetTotal(1000)
	httpTask.RecordCheckpoint(500)
	httpTask.RecordProgress(0.5)
	require.NoError(t, httpTask.Transition(task.StateDownloading))
	require.NoError(t, h.registry.Upsert(ctx, httpTask))
	require.NoError(t, h.registry.Correlate(ctx, "old-http", httpLink))

	swarmTask := task.New(swarmLink, task.KindSwarm, h.dest)
	swarmTask.RequestID = "old-swarm"
	swarmTask.Name = "ubuntu"
	swarmTask.SetTotal(1000)
	swarmTask.RecordCheckpoint(420)
	swarmTask.RecordProgress(0.42)
	require.NoError(t, swarmTask.Transition(task.StateDownloading))
	require.NoError(t, h.registry.Upsert(ctx, swarmTask))
	require.NoError(t, h.registry.Correlate(ctx, "old-swarm", swarmLink))
	require.NoError(t, h.registry.SetSessionSnapshot(ctx, swarmLink, []byte("snap")))
	require.NoError(t, h.registry.SetFileManifest(ctx, swarmLink, []storage.FileManifestEntry{
		{Link: swarmLink, RelativePath: "ubuntu/disc.iso", Size: 6, Selected: true},
		{Link: swarmLink, RelativePath: "ubuntu/README", Size: 4, Selected: true},
	}))

	require.NoError(t, os.MkdirAll(filepath.Join(h.dest, "ubuntu"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "ubuntu", "disc.iso"), []byte("sixsix"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.dest, "ubuntu", "README"), []byte("no"), 0o644))

	require.NoError(t, h.c.Recover(ctx))

	got, err := h.c.Get(ctx, "old-http")
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, got.State)
	assert.Equal(t, int64(500), got.DownloadedBytes)
	assert.InDelta(t, 0.5, got.Progress, 0.0001)

	got, err = h.c.Get(ctx, "old-swarm")
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, got.State)
	assert.NotEqual(t, "old-swarm", got.RequestID)
	assert.InDelta(t, 0.42, got.Progress, 0.0001)
	assert.Equal(t, int64(420), got.DownloadedBytes)

	calls := h.swarm.calls()
	require.Len(t, calls.added, 1)
	assert.Equal(t, []byte("snap"), calls.added[0].Snapshot)
	require.Len(t, calls.reconciled, 1)
	assert.Equal(t, []transfer.File{{Path: "ubuntu/disc.iso", Size: 6, Selected: true}}, calls.reconciled[0])

	// The HTTP engine never saw the old id; resuming starts from the checkpoint.
	require.NoError(t, h.c.Resume(ctx, "old-http"))
	starts := h.http.calls().starts
	require.Len(t, starts, 1)
	assert.Equal(t, int64(500), starts[0].DownloadedBytes)

	// The reattached swarm session resumes without losing recorded progress.
	require.NoError(t, h.c.Resume(ctx, "old-swarm"))

	swarmStarts := h.swarm.calls().starts
	require.Len(t, swarmStarts, 1)
	assert.Equal(t, int64(420), swarmStarts[0].DownloadedBytes)
	assert.Equal(t, []byte("snap"), swarmStarts[0].Snapshot)

	got, err = h.c.Get(ctx, "old-swarm")
	require.NoError(t, err)
	assert.Equal(t, task.StateDownloading, got.State)
	assert.InDelta(t, 0.42, got.Progress, 0.0001)
}

func TestCoordinator_ShutdownPausesRunningTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 1000})
	h.waitFor(t, id, inState(task.StateDownloading))

	h.http.mu.Lock()
	h.http.checkpoint = transfer.Checkpoint{DownloadedBytes: 700}
	h.http.mu.Unlock()

	require.NoError(t, h.c.Shutdown(ctx))

	got, err := h.c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatePaused, got.State)
	assert.Equal(t, int64(700), got.DownloadedBytes)
	assert.True(t, h.http.calls().closed)
	assert.True(t, h.swarm.calls().closed)
}

func TestCoordinator_StartFailureMarksTaskFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.http.mu.Lock()
	h.http.startErr = errors.New("boom")
	h.http.mu.Unlock()

	_, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.Error(t, err)

	got, err := h.registry.Get(ctx, httpLink)
	require.NoError(t, err)
	assert.Equal(t, task.StateErrorPaused, got.State)
	assert.Equal(t, "boom", got.ErrorMessage)
}

func TestCoordinator_SingleCompletedEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	stream, stop := context.WithCancel(ctx)
	defer stop()
	events := h.c.Subscribe(stream)

	id, err := h.c.Submit(ctx, httpLink, task.KindHTTP, h.dest)
	require.NoError(t, err)

	h.http.emit(transfer.Event{Type: transfer.EventMetadata, Link: httpLink, RequestID: id, Name: "a.iso", TotalBytes: 300})
	for _, n := range []int64{100, 200, 300} {
		h.http.emit(transfer.Event{Type: transfer.EventProgress, Link: httpLink, RequestID: id, TotalBytes: 300, DownloadedBytes: n})
	}
	h.http.emit(transfer.Event{Type: transfer.EventCompleted, Link: httpLink, RequestID: id, TotalBytes: 300, DownloadedBytes: 300})
	h.http.emit(transfer.Event{Type: transfer.EventCompleted, Link: httpLink, RequestID: id, TotalBytes: 300, DownloadedBytes: 300})

	h.waitFor(t, id, inState(task.StateCompleted))

	completed := 0
	timeout := time.After(100 * time.Millisecond)

loop:
	for {
		select {
		case ev := <-events:
			if ev.State == task.StateCompleted {
				completed++
				assert.Equal(t, 1.0, ev.Progress)
			} else {
				assert.Less(t, ev.Progress, 1.0)
			}
		case <-timeout:
			break loop
		}
	}

	assert.Equal(t, 1, completed)
}
