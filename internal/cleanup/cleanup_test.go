package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/downloadmanager/internal/task"
)

type fakeStore struct {
	tasks    []*task.Task
	pruned   []string
	pruneErr error
}

func (s *fakeStore) ListAll(context.Context) ([]*task.Task, error) { return s.tasks, nil }

func (s *fakeStore) PruneSessions(_ context.Context, link string) error {
	if s.pruneErr != nil {
		return s.pruneErr
	}

	s.pruned = append(s.pruned, link)

	return nil
}

func taskIn(link string, state task.State, age time.Duration) *task.Task {
	t := task.New(link, task.KindSwarm, "/data")
	t.State = state
	t.UpdatedAt = time.Now().Add(-age)

	return t
}

func TestPruneCompletedSessions(t *testing.T) {
	store := &fakeStore{tasks: []*task.Task{
		taskIn("magnet:old", task.StateCompleted, 48*time.Hour),
		taskIn("magnet:fresh", task.StateCompleted, time.Minute),
		taskIn("magnet:seeding", task.StateSeeding, 48*time.Hour),
		taskIn("magnet:paused", task.StatePaused, 48*time.Hour),
	}}

	n, err := PruneCompletedSessions(context.Background(), store, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"magnet:old"}, store.pruned)
}

func TestPruneCompletedSessions_StopsOnError(t *testing.T) {
	store := &fakeStore{
		tasks:    []*task.Task{taskIn("magnet:old", task.StateCompleted, 48*time.Hour)},
		pruneErr: errors.New("disk I/O error"),
	}

	n, err := PruneCompletedSessions(context.Background(), store, time.Hour)
	require.Error(t, err)
	assert.Zero(t, n)
}
