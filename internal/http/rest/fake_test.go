package rest

import (
	"context"
	"fmt"
	"sync"

	"github.com/italolelis/downloadmanager/internal/coordinator"
	"github.com/italolelis/downloadmanager/internal/notify"
	"github.com/italolelis/downloadmanager/internal/task"
)

// fakeDownloads is an in-memory command surface keyed by request id.
type fakeDownloads struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	calls     []string
	submitErr error
	cmdErr    error
}

func newFakeDownloads(tasks ...*task.Task) *fakeDownloads {
	f := &fakeDownloads{tasks: make(map[string]*task.Task)}
	for _, t := range tasks {
		f.tasks[t.RequestID] = t
	}

	return f
}

func (f *fakeDownloads) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDownloads) Submit(_ context.Context, link string, kind task.Kind, destination string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(fmt.Sprintf("submit:%s:%s:%s", kind, link, destination))

	if f.submitErr != nil {
		return "", f.submitErr
	}

	for id, t := range f.tasks {
		if t.Link == link {
			return id, nil
		}
	}

	t := task.New(link, kind, destination)
	t.RequestID = fmt.Sprintf("req-%d", len(f.tasks)+1)
	f.tasks[t.RequestID] = t

	return t.RequestID, nil
}

func (f *fakeDownloads) command(op, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(op + ":" + requestID)

	if _, ok := f.tasks[requestID]; !ok {
		return fmt.Errorf("%w: %s", coordinator.ErrUnknownRequest, requestID)
	}

	return f.cmdErr
}

func (f *fakeDownloads) Pause(_ context.Context, id string) error  { return f.command("pause", id) }
func (f *fakeDownloads) Resume(_ context.Context, id string) error { return f.command("resume", id) }
func (f *fakeDownloads) Cancel(_ context.Context, id string) error { return f.command("cancel", id) }
func (f *fakeDownloads) Retry(_ context.Context, id string) error  { return f.command("retry", id) }
func (f *fakeDownloads) Remove(_ context.Context, id string) error { return f.command("remove", id) }

func (f *fakeDownloads) Get(_ context.Context, requestID string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tasks[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownRequest, requestID)
	}

	return t.Clone(), nil
}

func (f *fakeDownloads) List(context.Context) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*task.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Clone())
	}

	return out, nil
}

func (f *fakeDownloads) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

type fakeActions struct {
	requestID string
	action    notify.Action
}

func (a *fakeActions) HandleAction(_ context.Context, requestID string, action notify.Action) error {
	a.requestID = requestID
	a.action = action

	return nil
}
