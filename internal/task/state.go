package task

import (
	"fmt"
	"time"
)

// State is a lifecycle state shared by every transfer kind.
type State string

const (
	StateInit               State = "init"
	StateDownloading        State = "downloading"
	StatePaused             State = "paused"
	StateCompleted          State = "completed"
	StateErrorPaused        State = "error_paused"
	StateStorageMovedFailed State = "storage_moved_failed"
	StateSeeding            State = "seeding"
	StateSeedingPaused      State = "seeding_paused"
)

// transitions lists every legal edge of the lifecycle.
var transitions = map[State][]State{
	StateInit:               {StateDownloading, StatePaused, StateErrorPaused, StateStorageMovedFailed},
	StateDownloading:        {StatePaused, StateCompleted, StateErrorPaused, StateStorageMovedFailed},
	StatePaused:             {StateDownloading, StateErrorPaused, StateStorageMovedFailed},
	StateCompleted:          {StateSeeding},
	StateSeeding:            {StateSeedingPaused},
	StateSeedingPaused:      {StateSeeding},
	StateErrorPaused:        {StateDownloading},
	StateStorageMovedFailed: {StateDownloading},
}

// ParseState validates a stored state name.
func ParseState(s string) (State, error) {
	st := State(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown task state: %q", s)
	}

	return st, nil
}

// IsFinished reports whether the transfer acquired all of its content.
func (s State) IsFinished() bool {
	return s == StateCompleted || s == StateSeeding || s == StateSeedingPaused
}

// IsRunning reports whether an engine worker is expected to be active.
func (s State) IsRunning() bool {
	return s == StateInit || s == StateDownloading || s == StateSeeding
}

// IsFailed reports whether the task stopped on a failure.
func (s State) IsFailed() bool {
	return s == StateErrorPaused || s == StateStorageMovedFailed
}

// CanTransition reports whether from → to is a legal edge for the given kind.
func CanTransition(kind Kind, from, to State) bool {
	if kind != KindSwarm && (to == StateSeeding || to == StateSeedingPaused) {
		return false
	}

	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// TransitionError is returned for edges outside the lifecycle table.
type TransitionError struct {
	Link string
	Kind Kind
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for %s task %s", e.From, e.To, e.Kind, e.Link)
}

// Transition moves the task to the given state, keeping the progress
// invariants: a completed task reports 1.0 with a known total, any other
// state reports less.
func (t *Task) Transition(to State) error {
	if !CanTransition(t.Kind, t.State, to) {
		return &TransitionError{Link: t.Link, Kind: t.Kind, From: t.State, To: to}
	}

	switch {
	case to == StateCompleted:
		if !t.TotalKnown() {
			t.SetTotal(t.DownloadedBytes)
		}

		t.DownloadedBytes = *t.TotalBytes
		t.Progress = 1
	case !to.IsFinished() && t.Progress >= 1:
		t.Progress = almostDone
	}

	if to == StateDownloading {
		t.ErrorMessage = ""
	}

	t.State = to
	t.UpdatedAt = time.Now().UTC()

	return nil
}
