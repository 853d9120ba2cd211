package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/downloadmanager/internal/task"
)

// ErrUnknownRequest is returned by engines for request ids they hold no job for.
var ErrUnknownRequest = errors.New("transfer: unknown request id")

// EventType identifies what an engine reports about a running job.
type EventType int

const (
	// EventMetadata carries name, size and file list once they are known.
	EventMetadata EventType = iota
	// EventProgress is a throttled progress/speed update. Not durable.
	EventProgress
	// EventCheckpoint carries a durable resume point and optional snapshot.
	EventCheckpoint
	// EventCompleted reports that all content has been acquired.
	EventCompleted
	// EventSeeding reports that a completed swarm job keeps uploading.
	EventSeeding
	// EventFailed carries a failure; Err is classified with Classify.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventMetadata:
		return "metadata"
	case EventProgress:
		return "progress"
	case EventCheckpoint:
		return "checkpoint"
	case EventCompleted:
		return "completed"
	case EventSeeding:
		return "seeding"
	case EventFailed:
		return "failed"
	}

	return "unknown"
}

// File is one constituent file of a transfer.
type File struct {
	Path     string
	Size     int64
	Selected bool
}

// Event is emitted by engine workers onto the coordinator queue.
type Event struct {
	Type            EventType
	Link            string
	RequestID       string
	Name            string
	TotalBytes      int64 // -1 when unknown
	DownloadedBytes int64
	BytesPerSecond  int64
	Description     string
	Files           []File
	Snapshot        []byte
	// Validator and Rewound mirror Checkpoint on checkpoint, completion and
	// failure events.
	Validator string
	Rewound   bool
	Err       error
	At        time.Time
}

// Spec is what an engine needs to start a job for a task.
type Spec struct {
	Link            string
	Name            string
	Destination     string
	DownloadedBytes int64 // last durable checkpoint
	TotalBytes      int64 // -1 when unknown
	Snapshot        []byte
	// Validator is the remote version DownloadedBytes were fetched from.
	Validator string
}

// SpecFor builds a start spec from a stored task.
func SpecFor(t *task.Task, snapshot []byte) Spec {
	total := int64(-1)
	if t.TotalKnown() {
		total = *t.TotalBytes
	}

	return Spec{
		Link:            t.Link,
		Name:            t.Name,
		Destination:     t.Destination,
		DownloadedBytes: t.DownloadedBytes,
		TotalBytes:      total,
		Snapshot:        snapshot,
		Validator:       t.ResumeValidator,
	}
}

// Checkpoint is the durable resume point a stopped worker leaves behind.
type Checkpoint struct {
	DownloadedBytes int64
	Snapshot        []byte
	// Validator identifies the remote version of the checkpointed bytes.
	Validator string
	// Rewound is set when the worker discarded bytes below the checkpoint it
	// was started from, so DownloadedBytes may be lower than the stored one.
	Rewound bool
}

// Engine is the capability set shared by both transfer kinds. Start and Retry
// return a fresh request id and report through events. Pause and Cancel stop
// the worker cooperatively and return once it released its files; a stopped
// worker emits nothing further.
type Engine interface {
	Kind() task.Kind
	// Validate rejects links the engine can never fetch with *InvalidLinkError.
	Validate(ctx context.Context, link string) error
	Start(ctx context.Context, spec Spec, events chan<- Event) (string, error)
	Pause(ctx context.Context, requestID string) (Checkpoint, error)
	Cancel(ctx context.Context, requestID string) error
	Retry(ctx context.Context, requestID string, events chan<- Event) (string, error)
	// Paths lists the on-disk paths a job for spec may have written, relative
	// to the destination. Used to remove partial data on cancel.
	Paths(spec Spec) []string
	Close() error
}

// SwarmEngine is implemented by the swarm engine only.
type SwarmEngine interface {
	Engine
	// AddFromLink creates or re-attaches an idle session for spec, restoring
	// spec.Snapshot when present, and returns a fresh request id.
	AddFromLink(ctx context.Context, spec Spec) (string, error)
	ReconcileFiles(ctx context.Context, link string, onDisk []File) error
	PauseSeeding(ctx context.Context, requestID string) (Checkpoint, error)
	ResumeSeeding(ctx context.Context, requestID string, events chan<- Event) (string, error)
}

// Emit sends ev to events unless ctx is done. Workers emit with their own job
// context so a pause never waits on a full queue.
func Emit(ctx context.Context, events chan<- Event, ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
