package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/manifest"
	"github.com/relaydata/relay/pkg/objectstore"
)

func setup(t *testing.T) (*Catalog, *manifest.Store) {
	t.Helper()
	store := objectstore.NewMemoryStore()
	manifests := manifest.NewStore(store, "warehouse")
	return New(manifests, store), manifests
}

func TestDescribeLatestCompleted(t *testing.T) {
	ctx := context.Background()
	c, manifests := setup(t)

	m := manifest.New("p1", "r1", "orders")
	m.Columns = []string{"id", "amount"}
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "p1/r1/chunk_000000.parquet", 100))
	require.NoError(t, m.Commit(0))
	require.NoError(t, m.AppendPending(1, "p1/r1/chunk_000001.parquet", 50))
	require.NoError(t, m.Fail(1, "boom"))
	require.NoError(t, m.AppendPending(2, "p1/r1/chunk_000002.parquet", 75))
	require.NoError(t, m.Commit(2))
	m.Complete(false)
	require.NoError(t, manifests.Save(ctx, m))

	d, err := c.Describe(ctx, "p1", "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", d.Relation)
	assert.Equal(t, "r1", d.RunID)
	assert.Equal(t, []string{"id", "amount"}, d.Columns)
	// Failed chunks never appear in the descriptor
	assert.Equal(t, []string{
		"p1/r1/chunk_000000.parquet",
		"p1/r1/chunk_000002.parquet",
	}, d.Files)
	assert.Equal(t, int64(175), d.RowCount)
	require.Len(t, d.URLs, 2)
	assert.Equal(t, "memory://p1/r1/chunk_000000.parquet", d.URLs[0])
}

func TestDescribeNoCompletedRun(t *testing.T) {
	ctx := context.Background()
	c, manifests := setup(t)

	// A run that only ever reached created is not queryable
	m := manifest.New("p1", "r1", "orders")
	require.NoError(t, manifests.Save(ctx, m))

	_, err := c.Describe(ctx, "p1", "orders")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRelationNotFound))
}

func TestDescribeSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	c, manifests := setup(t)

	m := manifest.New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "p1/r1/chunk_000000.parquet", 10))
	require.NoError(t, m.Commit(0))
	m.Complete(false)
	require.NoError(t, manifests.Save(ctx, m))

	d, err := c.Describe(ctx, "p1", "orders")
	require.NoError(t, err)
	require.Len(t, d.Files, 1)

	// A newer completed run does not mutate the issued descriptor
	m2 := manifest.New("p1", "r2", "orders")
	m2.StartedAt = m.StartedAt.Add(1)
	require.NoError(t, m2.Start())
	require.NoError(t, m2.AppendPending(0, "p1/r2/chunk_000000.parquet", 20))
	require.NoError(t, m2.Commit(0))
	m2.Complete(false)
	require.NoError(t, manifests.Save(ctx, m2))

	assert.Equal(t, "r1", d.RunID)
	assert.Equal(t, []string{"p1/r1/chunk_000000.parquet"}, d.Files)

	// A fresh resolution sees the new run
	d2, err := c.Describe(ctx, "p1", "orders")
	require.NoError(t, err)
	assert.Equal(t, "r2", d2.RunID)
}

func TestDescribeRunRejectsIncomplete(t *testing.T) {
	ctx := context.Background()
	c, manifests := setup(t)

	m := manifest.New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, manifests.Save(ctx, m))

	_, err := c.DescribeRun(ctx, "p1", "r1", "orders")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRelationNotFound))
}

func TestDescribeRunFailedRunExposesCommitted(t *testing.T) {
	ctx := context.Background()
	c, manifests := setup(t)

	// A run aborted mid-extraction keeps its committed chunks addressable
	m := manifest.New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "p1/r1/chunk_000000.parquet", 100))
	require.NoError(t, m.Commit(0))
	m.Abort()
	require.NoError(t, manifests.Save(ctx, m))

	d, err := c.DescribeRun(ctx, "p1", "r1", "orders")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1/r1/chunk_000000.parquet"}, d.Files)
	assert.Equal(t, int64(100), d.RowCount)

	// But a failed run never resolves as the latest queryable dataset
	_, err = c.Describe(ctx, "p1", "orders")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRelationNotFound))
}

func TestDescribeRunNothingCommitted(t *testing.T) {
	ctx := context.Background()
	c, manifests := setup(t)

	m := manifest.New("p1", "r1", "orders")
	require.NoError(t, m.Start())
	require.NoError(t, m.AppendPending(0, "p1/r1/chunk_000000.parquet", 100))
	require.NoError(t, m.Fail(0, "boom"))
	m.Complete(false)
	require.NoError(t, manifests.Save(ctx, m))

	_, err := c.DescribeRun(ctx, "p1", "r1", "orders")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRelationNotFound))
}
