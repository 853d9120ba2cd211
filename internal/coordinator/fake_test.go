package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/italolelis/downloadmanager/internal/task"
	"github.com/italolelis/downloadmanager/internal/transfer"
)

// fakeEngine records commands and lets tests emit events on behalf of workers.
type fakeEngine struct {
	kind task.Kind

	mu         sync.Mutex
	seq        int
	events     chan<- transfer.Event
	known      map[string]bool
	running    map[string]bool
	starts     []transfer.Spec
	added      []transfer.Spec
	retries    []string
	cancelled  []string
	reconciled [][]transfer.File
	checkpoint transfer.Checkpoint
	startErr   error
	closed     bool
}

var _ transfer.SwarmEngine = (*fakeEngine)(nil)

func newFakeEngine(kind task.Kind) *fakeEngine {
	return &fakeEngine{
		kind:    kind,
		known:   make(map[string]bool),
		running: make(map[string]bool),
	}
}

func (f *fakeEngine) Kind() task.Kind { return f.kind }

func (f *fakeEngine) Validate(_ context.Context, link string) error {
	if strings.Contains(link, "invalid") {
		return &transfer.InvalidLinkError{Link: link, Reason: "unsupported link"}
	}

	return nil
}

func (f *fakeEngine) issue(events chan<- transfer.Event) string {
	f.seq++
	id := fmt.Sprintf("%s-%d", f.kind, f.seq)
	f.known[id] = true
	f.running[id] = true

	if events != nil {
		f.events = events
	}

	return id
}

func (f *fakeEngine) Start(_ context.Context, spec transfer.Spec, events chan<- transfer.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return "", f.startErr
	}

	f.starts = append(f.starts, spec)

	return f.issue(events), nil
}

func (f *fakeEngine) Pause(_ context.Context, requestID string) (transfer.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[requestID] {
		return transfer.Checkpoint{}, transfer.ErrUnknownRequest
	}

	delete(f.running, requestID)

	return f.checkpoint, nil
}

func (f *fakeEngine) Cancel(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[requestID] {
		return transfer.ErrUnknownRequest
	}

	f.cancelled = append(f.cancelled, requestID)
	delete(f.known, requestID)
	delete(f.running, requestID)

	return nil
}

func (f *fakeEngine) Retry(_ context.Context, requestID string, events chan<- transfer.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[requestID] {
		return "", transfer.ErrUnknownRequest
	}

	f.retries = append(f.retries, requestID)
	delete(f.known, requestID)

	return f.issue(events), nil
}

func (f *fakeEngine) Paths(spec transfer.Spec) []string {
	if spec.Name == "" {
		return nil
	}

	return []string{spec.Name}
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

func (f *fakeEngine) AddFromLink(_ context.Context, spec transfer.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.added = append(f.added, spec)
	id := f.issue(nil)
	delete(f.running, id)

	return id, nil
}

func (f *fakeEngine) ReconcileFiles(_ context.Context, _ string, onDisk []transfer.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reconciled = append(f.reconciled, onDisk)

	return nil
}

func (f *fakeEngine) PauseSeeding(ctx context.Context, requestID string) (transfer.Checkpoint, error) {
	return f.Pause(ctx, requestID)
}

func (f *fakeEngine) ResumeSeeding(_ context.Context, requestID string, events chan<- transfer.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.known[requestID] {
		return "", transfer.ErrUnknownRequest
	}

	delete(f.known, requestID)

	return f.issue(events), nil
}

// emit sends an event as if a worker produced it.
func (f *fakeEngine) emit(ev transfer.Event) {
	f.mu.Lock()
	events := f.events
	f.mu.Unlock()

	events <- ev
}

// engineCalls is a copy of what the fake engine was asked to do.
type engineCalls struct {
	starts     []transfer.Spec
	added      []transfer.Spec
	retries    []string
	cancelled  []string
	reconciled [][]transfer.File
	closed     bool
}

func (f *fakeEngine) calls() engineCalls {
	f.mu.Lock()
	defer f.mu.Unlock()

	return engineCalls{
		starts:     append([]transfer.Spec(nil), f.starts...),
		added:      append([]transfer.Spec(nil), f.added...),
		retries:    append([]string(nil), f.retries...),
		cancelled:  append([]string(nil), f.cancelled...),
		reconciled: append([][]transfer.File(nil), f.reconciled...),
		closed:     f.closed,
	}
}
