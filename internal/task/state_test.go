package task

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		from State
		to   State
		want bool
	}{
		{"metadata resolved", KindSwarm, StateInit, StateDownloading, true},
		{"pause", KindHTTP, StateDownloading, StatePaused, true},
		{"resume", KindHTTP, StatePaused, StateDownloading, true},
		{"complete", KindHTTP, StateDownloading, StateCompleted, true},
		{"transient failure", KindHTTP, StateDownloading, StateErrorPaused, true},
		{"failure while paused", KindHTTP, StatePaused, StateErrorPaused, true},
		{"storage failure", KindSwarm, StateDownloading, StateStorageMovedFailed, true},
		{"retry after error", KindHTTP, StateErrorPaused, StateDownloading, true},
		{"retry after storage failure", KindHTTP, StateStorageMovedFailed, StateDownloading, true},
		{"start seeding", KindSwarm, StateCompleted, StateSeeding, true},
		{"pause seeding", KindSwarm, StateSeeding, StateSeedingPaused, true},
		{"resume seeding", KindSwarm, StateSeedingPaused, StateSeeding, true},
		{"http never seeds", KindHTTP, StateCompleted, StateSeeding, false},
		{"completed never downloads again", KindHTTP, StateCompleted, StateDownloading, false},
		{"init is entered once", KindHTTP, StatePaused, StateInit, false},
		{"retry never re-enters init", KindHTTP, StateErrorPaused, StateInit, false},
		{"paused cannot complete", KindHTTP, StatePaused, StateCompleted, false},
		{"seeding cannot resume download", KindSwarm, StateSeedingPaused, StateDownloading, false},
		{"error cannot pause", KindHTTP, StateErrorPaused, StatePaused, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.kind, tt.from, tt.to))
		})
	}
}

func TestTransition_RejectsIllegalEdge(t *testing.T) {
	tk := New("https://example.com/file.bin", KindHTTP, t.TempDir())
	tk.SetTotal(10)
	require.NoError(t, tk.Transition(StateDownloading))
	tk.RecordCheckpoint(10)
	require.NoError(t, tk.Transition(StateCompleted))

	err := tk.Transition(StateDownloading)
	require.Error(t, err)

	var tErr *TransitionError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, StateCompleted, tErr.From)
	assert.Equal(t, StateDownloading, tErr.To)
	assert.Equal(t, StateCompleted, tk.State)
}

func TestTransition_CompletedPinsProgress(t *testing.T) {
	tk := New("https://example.com/file.bin", KindHTTP, t.TempDir())
	require.NoError(t, tk.Transition(StateDownloading))

	tk.RecordCheckpoint(512)
	tk.RecordProgress(0.5)
	require.NoError(t, tk.Transition(StateCompleted))

	assert.Equal(t, 1.0, tk.Progress)
	require.True(t, tk.TotalKnown())
	assert.Equal(t, int64(512), *tk.TotalBytes)
}

func TestRecordProgress_MonotonicAndBelowOne(t *testing.T) {
	tk := New("magnet:?xt=urn:btih:abc", KindSwarm, t.TempDir())

	tk.RecordProgress(0.42)
	tk.RecordProgress(0.30)
	assert.Equal(t, 0.42, tk.Progress)

	tk.RecordProgress(1)
	assert.Less(t, tk.Progress, 1.0)
}

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindSwarm, DetectKind("magnet:?xt=urn:btih:0123"))
	assert.Equal(t, KindSwarm, DetectKind("https://example.com/ubuntu.torrent?x=1"))
	assert.Equal(t, KindHTTP, DetectKind("https://example.com/ubuntu.iso"))

	k, err := ParseKind("", "magnet:?xt=urn:btih:0123")
	require.NoError(t, err)
	assert.Equal(t, KindSwarm, k)

	_, err = ParseKind("ftp", "ftp://example.com")
	require.Error(t, err)
}
