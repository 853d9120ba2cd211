package task

import (
	"fmt"
	"strings"
	"time"
)

// Kind selects the transfer engine that serves a task.
type Kind string

const (
	KindHTTP  Kind = "http"
	KindSwarm Kind = "swarm"
)

// ParseKind parses a kind name. An empty name is detected from the link.
func ParseKind(name, link string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "http", "https":
		return KindHTTP, nil
	case "swarm", "torrent", "magnet":
		return KindSwarm, nil
	case "":
		return DetectKind(link), nil
	}

	return "", fmt.Errorf("unknown transfer kind: %s", name)
}

// DetectKind guesses the kind from the link shape. Magnet links and .torrent
// references are swarm transfers; everything else is fetched over HTTP.
func DetectKind(link string) Kind {
	lower := strings.ToLower(link)

	if strings.HasPrefix(lower, "magnet:") {
		return KindSwarm
	}

	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}

	if strings.HasSuffix(lower, ".torrent") {
		return KindSwarm
	}

	return KindHTTP
}

// Task is the durable record of one user-visible transfer. Link is the only
// stable identity; RequestID is reissued by the engine on every (re)start.
type Task struct {
	Link            string
	Kind            Kind
	RequestID       string
	Name            string
	Description     string
	Destination     string
	TotalBytes      *int64
	DownloadedBytes int64
	// ResumeValidator identifies the remote version the checkpointed bytes
	// belong to (an ETag or Last-Modified value for HTTP tasks).
	ResumeValidator string
	Progress        float64
	State           State
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New creates a task in the Init state.
func New(link string, kind Kind, destination string) *Task {
	now := time.Now().UTC()

	return &Task{
		Link:        link,
		Kind:        kind,
		Destination: destination,
		State:       StateInit,
		Description: "waiting to start",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.TotalBytes != nil {
		total := *t.TotalBytes
		c.TotalBytes = &total
	}

	return &c
}

// TotalKnown reports whether the total size has been discovered.
func (t *Task) TotalKnown() bool {
	return t.TotalBytes != nil && *t.TotalBytes >= 0
}

// SetTotal records the total size of the transfer.
func (t *Task) SetTotal(total int64) {
	if total < 0 {
		t.TotalBytes = nil

		return
	}

	t.TotalBytes = &total
}

// RecordProgress raises the progress fraction. Progress never decreases and
// stays below 1.0 until the task is marked complete.
func (t *Task) RecordProgress(p float64) {
	if p >= 1 {
		p = almostDone
	}

	if p > t.Progress {
		t.Progress = p
	}
}

// RecordCheckpoint raises the durable byte checkpoint.
func (t *Task) RecordCheckpoint(downloaded int64) {
	if downloaded > t.DownloadedBytes {
		t.DownloadedBytes = downloaded
	}
}

// RewindCheckpoint replaces the durable checkpoint with a lower one after the
// engine discarded bytes it could not resume from.
func (t *Task) RewindCheckpoint(downloaded int64) {
	if downloaded < 0 {
		downloaded = 0
	}

	t.DownloadedBytes = downloaded
}

// ProgressFor derives a progress fraction from byte counts.
func ProgressFor(downloaded int64, total *int64) float64 {
	if total == nil || *total <= 0 {
		return 0
	}

	p := float64(downloaded) / float64(*total)
	if p > 1 {
		p = 1
	}

	return p
}

// almostDone is the highest progress a task can report before completion.
const almostDone = 0.9999
