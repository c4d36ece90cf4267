package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleAllCommitted(t *testing.T) {
	m := New("p1", "r1", "orders")
	assert.Equal(t, RunCreated, m.Status)
	require.NoError(t, m.Start())
	assert.Equal(t, RunRunning, m.Status)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendPending(i, "key", 100))
		require.NoError(t, m.Commit(i))
	}

	assert.Equal(t, RunSuccess, m.Complete(false))
	assert.Equal(t, int64(300), m.RowsProcessed())
	assert.Equal(t, 3, m.CommittedChunks())
	assert.Equal(t, 0, m.FailedChunks())
	assert.True(t, m.Status.Terminal())
	assert.True(t, m.Status.Completed())
}

func TestPartialFailure(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())

	for i := 0; i < 10; i++ {
		require.NoError(t, m.AppendPending(i, "key", 1000))
		if i == 3 {
			require.NoError(t, m.Fail(i, "upload exhausted retries"))
		} else {
			require.NoError(t, m.Commit(i))
		}
	}

	assert.Equal(t, RunPartialSuccess, m.Complete(false))
	assert.Equal(t, int64(9000), m.RowsProcessed())
	assert.Equal(t, 1, m.FailedChunks())
	assert.Equal(t, "upload exhausted retries", m.Entries[3].Error)
}

func TestAllFailed(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "key", 500))
	require.NoError(t, m.Fail(0, "boom"))

	assert.Equal(t, RunFailed, m.Complete(false))
	assert.Equal(t, int64(0), m.RowsProcessed())
	assert.False(t, m.Status.Completed())
}

func TestEmptyLedgerIsTrivialSuccess(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	assert.Equal(t, RunSuccess, m.Complete(false))
	assert.Equal(t, int64(0), m.RowsProcessed())
}

func TestCancelledWins(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "key", 100))
	require.NoError(t, m.Commit(0))

	assert.Equal(t, RunCancelled, m.Complete(true))
	assert.True(t, m.Status.Terminal())
	assert.False(t, m.Status.Completed())
}

func TestNonContiguousIndexRejected(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "key", 100))
	assert.Error(t, m.AppendPending(2, "key", 100))
}

func TestDoubleResolveRejected(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "key", 100))
	require.NoError(t, m.Commit(0))
	assert.Error(t, m.Commit(0))
	assert.Error(t, m.Fail(0, "late failure"))
}

func TestCommittedEntriesInIndexOrder(t *testing.T) {
	m := New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendPending(i, "key", 10))
	}
	// Resolve out of order, the way a worker pool does
	require.NoError(t, m.Commit(4))
	require.NoError(t, m.Commit(1))
	require.NoError(t, m.Fail(2, "x"))
	require.NoError(t, m.Commit(0))
	require.NoError(t, m.Commit(3))

	committed := m.CommittedEntries()
	require.Len(t, committed, 4)
	assert.Equal(t, []int{0, 1, 3, 4}, []int{
		committed[0].ChunkIndex, committed[1].ChunkIndex,
		committed[2].ChunkIndex, committed[3].ChunkIndex,
	})
}
