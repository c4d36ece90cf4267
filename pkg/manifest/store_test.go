package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/objectstore"
)

func testStore() *Store {
	return NewStore(objectstore.NewMemoryStore(), "warehouse")
}

func completedManifest(t *testing.T, s *Store, pipelineID, runID string, startedAt time.Time, status RunStatus) *Manifest {
	t.Helper()
	m := New(pipelineID, runID, "orders")
	m.StartedAt = startedAt
	require.NoError(t, m.Start())
	if status != RunFailed {
		require.NoError(t, m.AppendPending(0, "chunk_000000.parquet", 100))
		require.NoError(t, m.Commit(0))
	}
	m.Status = status
	require.NoError(t, s.Save(context.Background(), m))
	return m
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "p1/r1/chunk_000000.parquet", 42))
	require.NoError(t, m.Commit(0))
	m.Complete(false)
	require.NoError(t, s.Save(ctx, m))

	loaded, err := s.Load(ctx, "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, loaded.Status)
	require.Len(t, loaded.Entries, 1)
	assert.Equal(t, ChunkCommitted, loaded.Entries[0].Status)
	assert.Equal(t, int64(42), loaded.Entries[0].RowCount)
	assert.NotNil(t, loaded.Entries[0].CommittedAt)
}

func TestLoadMissing(t *testing.T) {
	s := testStore()
	_, err := s.Load(context.Background(), "p1", "nope")
	assert.Error(t, err)
}

func TestLatestCompletedSkipsFailedRuns(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	completedManifest(t, s, "p1", "r1", base, RunSuccess)
	completedManifest(t, s, "p1", "r2", base.Add(time.Hour), RunPartialSuccess)
	completedManifest(t, s, "p1", "r3", base.Add(2*time.Hour), RunFailed)

	latest, err := s.LatestCompleted(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "r2", latest.RunID)
}

func TestLatestCompletedNone(t *testing.T) {
	s := testStore()
	latest, err := s.LatestCompleted(context.Background(), "p1")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRunLockConflict(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	require.NoError(t, s.AcquireLock(ctx, "p1", "r1", time.Minute))

	err := s.AcquireLock(ctx, "p1", "r2", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	// Another pipeline is unaffected
	require.NoError(t, s.AcquireLock(ctx, "p2", "r9", time.Minute))

	require.NoError(t, s.ReleaseLock(ctx, "p1", "r1"))
	require.NoError(t, s.AcquireLock(ctx, "p1", "r2", time.Minute))
}

func TestExpiredLockReclaimed(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	require.NoError(t, s.AcquireLock(ctx, "p1", "r1", -time.Second))
	require.NoError(t, s.AcquireLock(ctx, "p1", "r2", time.Minute))
}

func TestReleaseLockIgnoresOtherHolder(t *testing.T) {
	ctx := context.Background()
	s := testStore()

	require.NoError(t, s.AcquireLock(ctx, "p1", "r1", time.Minute))
	require.NoError(t, s.ReleaseLock(ctx, "p1", "r-unknown"))

	// r1 still holds the lock
	err := s.AcquireLock(ctx, "p1", "r2", time.Minute)
	assert.Error(t, err)
}
