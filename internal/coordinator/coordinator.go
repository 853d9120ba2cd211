package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/missinggo/pubsub"

	"github.com/italolelis/downloadmanager/internal/logctx"
	"github.com/italolelis/downloadmanager/internal/storage"
	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/telemetry"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

var (
	// ErrUnknownRequest is returned for request ids no task was ever correlated with.
	ErrUnknownRequest = errors.New("coordinator: unknown request id")
	// ErrDestinationInvalid is returned when a destination is missing or unwritable.
	ErrDestinationInvalid = errors.New("coordinator: destination is not a writable directory")
	// ErrTaskActive is returned when removing a task that still has a running worker.
	ErrTaskActive = errors.New("coordinator: task is active")
	// ErrNoEngine is returned for kinds without a registered engine.
	ErrNoEngine = errors.New("coordinator: no engine for kind")
)

// TaskEvent is published on every persisted change of a task.
type TaskEvent struct {
	Link        string
	RequestID   string
	Kind        task.Kind
	Name        string
	State       task.State
	Progress    float64
	Description string
	TotalBytes  int64 // -1 when unknown
	Error       string
	Removed     bool
	At          time.Time
}

func eventFor(t *task.Task) TaskEvent {
	total := int64(-1)
	if t.TotalKnown() {
		total = *t.TotalBytes
	}

	return TaskEvent{
		Link:        t.Link,
		RequestID:   t.RequestID,
		Kind:        t.Kind,
		Name:        t.Name,
		State:       t.State,
		Progress:    t.Progress,
		Description: t.Description,
		TotalBytes:  total,
		Error:       t.ErrorMessage,
		At:          time.Now().UTC(),
	}
}

// Options tunes the coordinator.
type Options struct {
	// QueueSize is the capacity of the engine event queue.
	QueueSize int
	Telemetry *telemetry.Telemetry
}

// Coordinator is the only component that mutates task state. Commands and
// engine events for one link are serialized; different links run in parallel.
type Coordinator struct {
	registry storage.Registry
	engines  map[task.Kind]transfer.Engine
	events   chan transfer.Event
	stream   *pubsub.PubSub
	locks    *storage.KeyedMutex
	tel      *telemetry.Telemetry

	mu       sync.Mutex
	live     map[string]string  // link -> request id of the running worker
	progress map[string]float64 // link -> progress published but not yet stored
}

// New creates a coordinator over the given registry and engines.
func New(registry storage.Registry, engines []transfer.Engine, opts Options) *Coordinator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	c := &Coordinator{
		registry: registry,
		engines:  make(map[task.Kind]transfer.Engine, len(engines)),
		events:   make(chan transfer.Event, opts.QueueSize),
		stream:   pubsub.NewPubSub(),
		locks:    storage.NewKeyedMutex(),
		tel:      opts.Telemetry,
		live:     make(map[string]string),
		progress: make(map[string]float64),
	}

	for _, e := range engines {
		c.engines[e.Kind()] = e
	}

	return c
}

// Subscribe streams task events until ctx is done.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan TaskEvent {
	sub := c.stream.Subscribe()
	out := make(chan TaskEvent, 64)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-sub.Values:
				if !ok {
					return
				}

				ev, ok := v.(TaskEvent)
				if !ok {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Submit starts a transfer for link, or returns the known task's request id.
// A paused or failed task is resumed instead of duplicated.
func (c *Coordinator) Submit(ctx context.Context, link string, kind task.Kind, destination string) (string, error) {
	if kind == "" {
		kind = task.DetectKind(link)
	}

	eng, err := c.engine(kind)
	if err != nil {
		return "", err
	}

	unlock := c.locks.Lock(link)
	defer unlock()

	ctx = logctx.WithTask(ctx, link, "")
	logger := logctx.LoggerFromContext(ctx)

	existing, err := c.registry.Get(ctx, link)

	switch {
	case err == nil:
		c.tel.RecordSubmit(ctx, string(existing.Kind), false)

		return c.resubmitLocked(ctx, existing)
	case !errors.Is(err, storage.ErrNotFound):
		return "", fmt.Errorf("failed to look up task: %w", err)
	}

	if err := eng.Validate(ctx, link); err != nil {
		logger.Warn("rejected link", "err", err)

		return "", err
	}

	if err := ValidateDestination(destination); err != nil {
		return "", err
	}

	t := task.New(link, kind, destination)
	if err := c.registry.Upsert(ctx, t); err != nil {
		return "", fmt.Errorf("failed to store task: %w", err)
	}

	c.tel.RecordSubmit(ctx, string(kind), true)
	c.tel.IncrementActiveTransfers(ctx, string(kind))
	logger.Info("task submitted", "kind", kind, "destination", destination)

	return c.startLocked(ctx, t, eng)
}

func (c *Coordinator) resubmitLocked(ctx context.Context, t *task.Task) (string, error) {
	switch t.State {
	case task.StatePaused, task.StateSeedingPaused:
		return c.resumeLocked(ctx, t)
	case task.StateErrorPaused, task.StateStorageMovedFailed:
		return c.retryLocked(ctx, t)
	}

	return t.RequestID, nil
}

// Pause stops a downloading or seeding task, keeping its checkpoint.
func (c *Coordinator) Pause(ctx context.Context, requestID string) error {
	t, unlock, err := c.lockTask(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = logctx.WithTask(ctx, t.Link, t.RequestID)

	eng, err := c.engine(t.Kind)
	if err != nil {
		return err
	}

	var (
		target = task.StatePaused
		cp     transfer.Checkpoint
	)

	switch t.State {
	case task.StatePaused, task.StateSeedingPaused:
		return nil
	case task.StateInit, task.StateDownloading:
		cp, err = eng.Pause(ctx, t.RequestID)
	case task.StateSeeding:
		target = task.StateSeedingPaused

		se, ok := eng.(transfer.SwarmEngine)
		if !ok {
			return fmt.Errorf("%w: %s cannot seed", ErrNoEngine, t.Kind)
		}

		cp, err = se.PauseSeeding(ctx, t.RequestID)
	default:
		return &task.TransitionError{Link: t.Link, Kind: t.Kind, From: t.State, To: task.StatePaused}
	}

	if err != nil && !errors.Is(err, transfer.ErrUnknownRequest) {
		return fmt.Errorf("failed to pause transfer: %w", err)
	}

	c.setLive(t.Link, "")

	if err := c.applyCheckpoint(ctx, t, cp); err != nil {
		return err
	}

	if err := c.transition(ctx, t, target); err != nil {
		return err
	}

	t.Description = "paused"

	return c.persist(ctx, t)
}

// Resume restarts a paused task from its last checkpoint.
func (c *Coordinator) Resume(ctx context.Context, requestID string) error {
	t, unlock, err := c.lockTask(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	switch {
	case t.State.IsRunning():
		return nil
	case t.State == task.StatePaused, t.State == task.StateSeedingPaused:
		_, err = c.resumeLocked(logctx.WithTask(ctx, t.Link, t.RequestID), t)

		return err
	}

	return &task.TransitionError{Link: t.Link, Kind: t.Kind, From: t.State, To: task.StateDownloading}
}

// Retry restarts a failed task. A task whose destination failed only
// restarts once the destination validates again.
func (c *Coordinator) Retry(ctx context.Context, requestID string) error {
	t, unlock, err := c.lockTask(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = c.retryLocked(logctx.WithTask(ctx, t.Link, t.RequestID), t)

	return err
}

// Cancel stops the task and deletes its partial data and every registry row.
func (c *Coordinator) Cancel(ctx context.Context, requestID string) error {
	t, unlock, err := c.lockTask(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = logctx.WithTask(ctx, t.Link, t.RequestID)

	return c.dropLocked(ctx, t, true)
}

// Remove clears a task that is not running. Data on disk is kept, finished or
// not; Cancel is the way to delete it.
func (c *Coordinator) Remove(ctx context.Context, requestID string) error {
	t, unlock, err := c.lockTask(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	if t.State.IsRunning() {
		return fmt.Errorf("%w: %s is %s", ErrTaskActive, t.Link, t.State)
	}

	ctx = logctx.WithTask(ctx, t.Link, t.RequestID)

	return c.dropLocked(ctx, t, false)
}

// Get returns the task a request id refers to.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*task.Task, error) {
	link, err := c.resolve(ctx, requestID)
	if err != nil {
		return nil, err
	}

	t, err := c.registry.Get(ctx, link)
	if err != nil {
		return nil, err
	}

	t.RecordProgress(c.pendingProgress(link))

	return t, nil
}

// List returns every known task.
func (c *Coordinator) List(ctx context.Context) ([]*task.Task, error) {
	tasks, err := c.registry.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		t.RecordProgress(c.pendingProgress(t.Link))
	}

	return tasks, nil
}

// ValidateDestination checks that dir exists, is a directory and accepts new files.
func ValidateDestination(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrDestinationInvalid)
	}

	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDestinationInvalid, err)
	}

	if !fi.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrDestinationInvalid, dir)
	}

	check, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDestinationInvalid, err)
	}

	check.Close()
	os.Remove(check.Name())

	return nil
}

func (c *Coordinator) startLocked(ctx context.Context, t *task.Task, eng transfer.Engine) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	spec, err := c.specFor(ctx, t)
	if err != nil {
		return "", err
	}

	requestID, err := eng.Start(ctx, spec, c.events)
	if err != nil {
		logger.Error("failed to start transfer", "err", err)

		c.failLocked(ctx, t, err)

		return "", err
	}

	if err := c.adopt(ctx, t, requestID); err != nil {
		return "", err
	}

	t.Description = "waiting for metadata"

	if err := c.persist(ctx, t); err != nil {
		return "", err
	}

	return requestID, nil
}

func (c *Coordinator) resumeLocked(ctx context.Context, t *task.Task) (string, error) {
	eng, err := c.engine(t.Kind)
	if err != nil {
		return "", err
	}

	if t.State == task.StateSeedingPaused {
		return c.resumeSeedingLocked(ctx, t, eng)
	}

	spec, err := c.specFor(ctx, t)
	if err != nil {
		return "", err
	}

	requestID, err := eng.Start(ctx, spec, c.events)
	if err != nil {
		c.failLocked(ctx, t, err)

		return "", err
	}

	if err := c.adopt(ctx, t, requestID); err != nil {
		return "", err
	}

	if err := c.transition(ctx, t, task.StateDownloading); err != nil {
		return "", err
	}

	t.Description = "resuming"

	return requestID, c.persist(ctx, t)
}

func (c *Coordinator) resumeSeedingLocked(ctx context.Context, t *task.Task, eng transfer.Engine) (string, error) {
	se, ok := eng.(transfer.SwarmEngine)
	if !ok {
		return "", fmt.Errorf("%w: %s cannot seed", ErrNoEngine, t.Kind)
	}

	requestID, err := se.ResumeSeeding(ctx, t.RequestID, c.events)
	if errors.Is(err, transfer.ErrUnknownRequest) {
		spec, serr := c.specFor(ctx, t)
		if serr != nil {
			return "", serr
		}

		attached, aerr := se.AddFromLink(ctx, spec)
		if aerr != nil {
			return "", fmt.Errorf("failed to re-attach session: %w", aerr)
		}

		requestID, err = se.ResumeSeeding(ctx, attached, c.events)
	}

	if err != nil {
		return "", fmt.Errorf("failed to resume seeding: %w", err)
	}

	if err := c.adopt(ctx, t, requestID); err != nil {
		return "", err
	}

	if err := c.transition(ctx, t, task.StateSeeding); err != nil {
		return "", err
	}

	t.Description = "seeding"

	return requestID, c.persist(ctx, t)
}

func (c *Coordinator) retryLocked(ctx context.Context, t *task.Task) (string, error) {
	if !t.State.IsFailed() {
		return "", &task.TransitionError{Link: t.Link, Kind: t.Kind, From: t.State, To: task.StateDownloading}
	}

	if t.State == task.StateStorageMovedFailed {
		if err := ValidateDestination(t.Destination); err != nil {
			logctx.LoggerFromContext(ctx).Warn("retry deferred until destination is valid", "destination", t.Destination, "err", err)

			return "", err
		}
	}

	eng, err := c.engine(t.Kind)
	if err != nil {
		return "", err
	}

	requestID, err := eng.Retry(ctx, t.RequestID, c.events)
	if errors.Is(err, transfer.ErrUnknownRequest) {
		var spec transfer.Spec

		spec, err = c.specFor(ctx, t)
		if err != nil {
			return "", err
		}

		requestID, err = eng.Start(ctx, spec, c.events)
	}

	if err != nil {
		c.failLocked(ctx, t, err)

		return "", err
	}

	if err := c.adopt(ctx, t, requestID); err != nil {
		return "", err
	}

	if err := c.transition(ctx, t, task.StateDownloading); err != nil {
		return "", err
	}

	t.Description = "retrying"

	return requestID, c.persist(ctx, t)
}

func (c *Coordinator) dropLocked(ctx context.Context, t *task.Task, deleteData bool) error {
	logger := logctx.LoggerFromContext(ctx)

	eng, err := c.engine(t.Kind)
	if err != nil {
		return err
	}

	spec, err := c.specFor(ctx, t)
	if err != nil {
		return err
	}

	paths := eng.Paths(spec)

	if t.RequestID != "" {
		if err := eng.Cancel(ctx, t.RequestID); err != nil && !errors.Is(err, transfer.ErrUnknownRequest) {
			return fmt.Errorf("failed to cancel transfer: %w", err)
		}
	}

	if t.State.IsRunning() {
		c.tel.DecrementActiveTransfers(ctx, string(t.Kind))
	}

	c.setLive(t.Link, "")

	if deleteData {
		for _, p := range paths {
			target := filepath.Join(t.Destination, p)
			if err := os.RemoveAll(target); err != nil {
				logger.Warn("failed to remove partial data", "path", target, "err", err)
			}
		}
	}

	if err := c.registry.Delete(ctx, t.Link); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	c.clearProgress(t.Link)

	logger.Info("task removed", "deleted_data", deleteData)

	ev := eventFor(t)
	ev.Removed = true
	c.stream.Publish(ev)

	return nil
}

// failLocked moves a task whose engine could not start into a failed state.
func (c *Coordinator) failLocked(ctx context.Context, t *task.Task, cause error) {
	target := task.StateErrorPaused
	if transfer.Classify(cause) == transfer.FailureDestination {
		target = task.StateStorageMovedFailed
	}

	if err := c.transition(ctx, t, target); err != nil {
		return
	}

	t.ErrorMessage = cause.Error()
	t.Description = "failed"

	if err := c.persist(ctx, t); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to persist failed task", "err", err)
	}
}

// adopt records a fresh engine request id for the task.
func (c *Coordinator) adopt(ctx context.Context, t *task.Task, requestID string) error {
	if err := c.registry.Correlate(ctx, requestID, t.Link); err != nil {
		return fmt.Errorf("failed to correlate request: %w", err)
	}

	t.RequestID = requestID
	c.setLive(t.Link, requestID)

	return nil
}

// applyCheckpoint stores a durable resume point. Checkpoints only move forward
// unless the engine reports it discarded bytes.
func (c *Coordinator) applyCheckpoint(ctx context.Context, t *task.Task, cp transfer.Checkpoint) error {
	switch {
	case cp.Rewound && cp.DownloadedBytes < t.DownloadedBytes:
		logctx.LoggerFromContext(ctx).Warn("transfer rewound its checkpoint",
			"from", t.DownloadedBytes, "to", cp.DownloadedBytes)

		t.RewindCheckpoint(cp.DownloadedBytes)
	case cp.DownloadedBytes > t.DownloadedBytes:
		c.tel.RecordCheckpoint(ctx, string(t.Kind), cp.DownloadedBytes-t.DownloadedBytes)
		t.RecordCheckpoint(cp.DownloadedBytes)
	}

	if cp.Validator != "" {
		t.ResumeValidator = cp.Validator
	}

	if len(cp.Snapshot) > 0 {
		if err := c.registry.SetSessionSnapshot(ctx, t.Link, cp.Snapshot); err != nil {
			return fmt.Errorf("failed to store snapshot: %w", err)
		}
	}

	return nil
}

// transition applies a state change, logging rejected edges as illegal transitions.
func (c *Coordinator) transition(ctx context.Context, t *task.Task, to task.State) error {
	from := t.State

	if err := t.Transition(to); err != nil {
		logctx.LoggerFromContext(ctx).Error("rejected illegal state transition", "from", from, "to", to, "err", err)
		c.tel.RecordTransition(ctx, string(t.Kind), string(from), string(to), false)

		return err
	}

	c.tel.RecordTransition(ctx, string(t.Kind), string(from), string(to), true)

	switch {
	case !from.IsRunning() && to.IsRunning():
		c.tel.IncrementActiveTransfers(ctx, string(t.Kind))
	case from.IsRunning() && !to.IsRunning():
		c.tel.DecrementActiveTransfers(ctx, string(t.Kind))
	}

	return nil
}

// persist stores t, folding in any progress only published so far.
func (c *Coordinator) persist(ctx context.Context, t *task.Task) error {
	t.RecordProgress(c.pendingProgress(t.Link))

	if err := c.registry.Upsert(ctx, t); err != nil {
		return fmt.Errorf("failed to persist task: %w", err)
	}

	c.clearProgress(t.Link)
	c.stream.Publish(eventFor(t))

	return nil
}

// publishProgress announces progress without a registry write. It is stored
// with the next checkpoint or state change.
func (c *Coordinator) publishProgress(t *task.Task) {
	c.mu.Lock()
	c.progress[t.Link] = t.Progress
	c.mu.Unlock()

	c.stream.Publish(eventFor(t))
}

func (c *Coordinator) pendingProgress(link string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.progress[link]
}

func (c *Coordinator) clearProgress(link string) {
	c.mu.Lock()
	delete(c.progress, link)
	c.mu.Unlock()
}

func (c *Coordinator) specFor(ctx context.Context, t *task.Task) (transfer.Spec, error) {
	var snapshot []byte

	if t.Kind == task.KindSwarm {
		blob, err := c.registry.GetSessionSnapshot(ctx, t.Link)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return transfer.Spec{}, fmt.Errorf("failed to load snapshot: %w", err)
		}

		snapshot = blob
	}

	return transfer.SpecFor(t, snapshot), nil
}

func (c *Coordinator) engine(kind task.Kind) (transfer.Engine, error) {
	eng, ok := c.engines[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEngine, kind)
	}

	return eng, nil
}

func (c *Coordinator) resolve(ctx context.Context, requestID string) (string, error) {
	link, err := c.registry.Resolve(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	return link, err
}

// lockTask resolves a request id and locks its link. The returned unlock
// must be called once the command is done.
func (c *Coordinator) lockTask(ctx context.Context, requestID string) (*task.Task, func(), error) {
	link, err := c.resolve(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	unlock := c.locks.Lock(link)

	t, err := c.registry.Get(ctx, link)
	if err != nil {
		unlock()

		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}

		return nil, nil, err
	}

	return t, unlock, nil
}

func (c *Coordinator) setLive(link, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if requestID == "" {
		delete(c.live, link)

		return
	}

	c.live[link] = requestID
}

func (c *Coordinator) isLive(link, requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.live[link] == requestID
}
