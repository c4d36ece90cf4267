package objectstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/config"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "orders/run1/chunk_000000.parquet", []byte("alpha")))
	require.NoError(t, store.Put(ctx, "orders/run1/chunk_000001.parquet", []byte("beta")))
	require.NoError(t, store.Put(ctx, "customers/run1/chunk_000000.parquet", []byte("gamma")))

	data, err := store.Get(ctx, "orders/run1/chunk_000001.parquet")
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), data)

	keys, err := store.List(ctx, "orders/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"orders/run1/chunk_000000.parquet",
		"orders/run1/chunk_000001.parquet",
	}, keys)

	require.NoError(t, store.Delete(ctx, "orders/run1/chunk_000000.parquet"))
	_, err = store.Get(ctx, "orders/run1/chunk_000000.parquet")
	assert.Error(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "k", []byte("first")))
	require.NoError(t, store.Put(ctx, "k", []byte("second")))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStoreCopiesData(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	payload := []byte("original")
	require.NoError(t, store.Put(ctx, "k", payload))
	payload[0] = 'X'

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), data)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "p1/r1/chunk_000000.csv.gz", []byte("payload")))

	data, err := store.Get(ctx, "p1/r1/chunk_000000.csv.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	keys, err := store.List(ctx, "p1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1/r1/chunk_000000.csv.gz"}, keys)

	// URL must be an absolute path the SQL engine can open directly
	assert.True(t, filepath.IsAbs(store.URL("p1/r1/chunk_000000.csv.gz")))

	require.NoError(t, store.Delete(ctx, "p1/r1/chunk_000000.csv.gz"))
	keys, err = store.List(ctx, "p1/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalStoreDeleteMissingKey(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, store.Delete(context.Background(), "never/written"))
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.DestinationSpec{Store: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = Open(ctx, config.DestinationSpec{Store: "local", Bucket: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = Open(ctx, config.DestinationSpec{Store: "ftp"})
	assert.Error(t, err)
}
