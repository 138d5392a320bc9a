package tokibot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestJournal_Record(t *testing.T) {
	t.Parallel()
	clock := newTestClock()
	j := NewJournal(
		NewStore(testLogger(t)),
		filepath.Join(t.TempDir(), ConfessionActionsFile),
		testLogger(t),
	)
	j.now = clock.Now

	require.NoError(t, j.Record(ActionLogEntry{Type: ActionCreate, ConfessionID: 1, ActorID: "42"}))
	require.NoError(t, j.Record(ActionLogEntry{Type: ActionDelete, ConfessionID: 1, Timestamp: 5}))

	entries := j.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, NewUnixTime(clock.Now()), entries[0].Timestamp)
	assert.Equal(t, UnixTime(5), entries[1].Timestamp, "existing timestamps are kept")

	data, err := os.ReadFile(j.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type": "create"`)
	assert.NotContains(t, string(data), `"reason"`)
}

func TestJournal_Nil(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Record(ActionLogEntry{Type: ActionBan}))
}

func TestJournal_FailureIsReturned(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	j := NewJournal(NewStore(testLogger(t)), filepath.Join(blocker, ConfessionActionsFile), testLogger(t))
	err := j.Record(ActionLogEntry{Type: ActionBan})
	assert.ErrorIs(t, err, ErrPersistence)
}
