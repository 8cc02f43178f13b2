package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTripAndList(t *testing.T) {
	s := newStore(t)
	older := Record{JobID: uuid.NewString(), Status: StatusDone, CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	newer := Record{JobID: uuid.NewString(), Status: StatusCancelled, CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(newer))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "garbage.json"), []byte("{"), 0o600))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.JobID, list[0].JobID)
	assert.Equal(t, older.JobID, list[1].JobID)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must not survive a save")
	}
}

func TestFileStoreRejectsNonUUID(t *testing.T) {
	s := newStore(t)
	assert.ErrorIs(t, s.Save(Record{JobID: "../escape"}), ErrJobNotFound)
	_, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
