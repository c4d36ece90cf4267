package engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydata/relay/pkg/catalog"
	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/connector/registry"
	"github.com/relaydata/relay/pkg/formats/columnar"
	"github.com/relaydata/relay/pkg/manifest"
	"github.com/relaydata/relay/pkg/objectstore"

	_ "github.com/relaydata/relay/pkg/connector/sources/synthetic"
)

func testPipeline(rows int) *config.PipelineConfig {
	p := config.NewPipelineConfig("orders",
		config.SourceSpec{
			Type: "synthetic",
			Properties: map[string]string{
				"rows":    fmt.Sprintf("%d", rows),
				"columns": "id:sequence,name:first_name,amount:currency",
				"seed":    "7",
			},
		},
		config.DestinationSpec{
			Store:  "memory",
			Format: "parquet",
		},
	)
	p.ID = "p-orders"
	p.Options.Streaming = config.StreamingOn
	p.Options.ChunkSize = 1000
	p.Options.RetryDelay = time.Millisecond
	return p
}

func runPipeline(t *testing.T, p *config.PipelineConfig, store objectstore.Store, runID string) *manifest.Manifest {
	t.Helper()
	ctx := context.Background()

	source, err := registry.CreateSource(p.Source.Type)
	require.NoError(t, err)
	require.NoError(t, source.Open(ctx, p.Source))
	defer source.Close(ctx)

	manifests := manifest.NewStore(store, p.Destination.Prefix)
	m, err := New(p, nil, source, store, manifests).Run(ctx, runID)
	require.NoError(t, err)
	return m
}

func TestChunkCountArithmetic(t *testing.T) {
	store := objectstore.NewMemoryStore()
	m := runPipeline(t, testPipeline(2500), store, "r1")

	assert.Equal(t, manifest.RunSuccess, m.Status)
	assert.Equal(t, int64(2500), m.RowsProcessed())
	require.Len(t, m.Entries, 3)
	for i, e := range m.Entries {
		assert.Equal(t, i, e.ChunkIndex)
		assert.Equal(t, manifest.ChunkCommitted, e.Status)
	}
	assert.Equal(t, int64(1000), m.Entries[0].RowCount)
	assert.Equal(t, int64(500), m.Entries[2].RowCount)
}

func TestZeroRowSourceIsTrivialSuccess(t *testing.T) {
	store := objectstore.NewMemoryStore()
	m := runPipeline(t, testPipeline(0), store, "r1")

	assert.Equal(t, manifest.RunSuccess, m.Status)
	assert.Empty(t, m.Entries)
	assert.Equal(t, int64(0), m.RowsProcessed())

	// Only the manifest document itself was written
	keys, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "_manifests/")
}

func TestBufferedModeProducesOneShard(t *testing.T) {
	p := testPipeline(2500)
	p.Options.Streaming = config.StreamingOff
	store := objectstore.NewMemoryStore()
	m := runPipeline(t, p, store, "r1")

	assert.Equal(t, manifest.RunSuccess, m.Status)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, int64(2500), m.Entries[0].RowCount)
}

// bulkOnlySource masks a streaming source as bulk-only
type bulkOnlySource struct {
	core.Source
}

func (s *bulkOnlySource) SupportsStreaming() bool { return false }

func TestBulkOnlySourceForcesBufferedMode(t *testing.T) {
	ctx := context.Background()
	p := testPipeline(2500) // streaming requested, source cannot honor it
	store := objectstore.NewMemoryStore()

	inner, err := registry.CreateSource(p.Source.Type)
	require.NoError(t, err)
	require.NoError(t, inner.Open(ctx, p.Source))
	source := &bulkOnlySource{Source: inner}
	defer source.Close(ctx)

	manifests := manifest.NewStore(store, p.Destination.Prefix)
	m, err := New(p, nil, source, store, manifests).Run(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, manifest.RunSuccess, m.Status)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, int64(2500), m.Entries[0].RowCount)
}

func TestDescriptorDocumentEmitted(t *testing.T) {
	p := testPipeline(2500)
	p.Options.EmitMetadata = true
	store := objectstore.NewMemoryStore()
	runPipeline(t, p, store, "r1")

	data, err := store.Get(context.Background(), "p-orders/r1/_descriptor.json")
	require.NoError(t, err)

	var d catalog.DatasetDescriptor
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "r1", d.RunID)
	assert.Equal(t, int64(2500), d.RowCount)
	assert.Len(t, d.Files, 3)
	assert.Equal(t, []string{"id", "name", "amount"}, d.Columns)
}

func TestOrderReconstructionByChunkIndex(t *testing.T) {
	store := objectstore.NewMemoryStore()
	m := runPipeline(t, testPipeline(2500), store, "r1")

	// Read shards back in entry order; the sequence column must be
	// contiguous across chunk boundaries
	ctx := context.Background()
	var next int64 = 1
	for _, e := range m.CommittedEntries() {
		data, err := store.Get(ctx, e.FilePath)
		require.NoError(t, err)
		r, err := columnar.NewReader(bytes.NewReader(data), &columnar.ReaderConfig{Format: columnar.Parquet})
		require.NoError(t, err)
		records, err := r.ReadAll()
		require.NoError(t, err)
		r.Close()

		for _, record := range records {
			assert.Equal(t, next, record.Data["id"])
			next++
		}
	}
	assert.Equal(t, int64(2501), next)
}

// faultyStore fails Put for keys containing a marker a fixed number of times
type faultyStore struct {
	objectstore.Store
	mu       sync.Mutex
	failures map[string]int
}

func (s *faultyStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	for marker, remaining := range s.failures {
		if strings.Contains(key, marker) && remaining > 0 {
			s.failures[marker] = remaining - 1
			s.mu.Unlock()
			return fmt.Errorf("injected write failure for %s", key)
		}
	}
	s.mu.Unlock()
	return s.Store.Put(ctx, key, data)
}

func TestPartialFailure(t *testing.T) {
	p := testPipeline(10000) // 10 chunks of 1000
	p.Options.RetryAttempts = 2
	store := &faultyStore{
		Store:    objectstore.NewMemoryStore(),
		failures: map[string]int{"chunk_000003": 100},
	}
	m := runPipeline(t, p, store, "r1")

	assert.Equal(t, manifest.RunPartialSuccess, m.Status)
	assert.Equal(t, int64(9000), m.RowsProcessed())
	assert.Equal(t, 9, m.CommittedChunks())
	assert.Equal(t, 1, m.FailedChunks())
	assert.Equal(t, manifest.ChunkFailed, m.Entries[3].Status)
	assert.NotEmpty(t, m.Entries[3].Error)

	report := ReportFor(m)
	assert.Equal(t, manifest.RunPartialSuccess, report.Status)
	require.Len(t, report.FailedChunks, 1)
	assert.Equal(t, 3, report.FailedChunks[0].ChunkIndex)
}

func TestTransientFailureRecoveredByRetry(t *testing.T) {
	p := testPipeline(3000)
	p.Options.RetryAttempts = 3
	store := &faultyStore{
		Store:    objectstore.NewMemoryStore(),
		failures: map[string]int{"chunk_000001": 2},
	}
	m := runPipeline(t, p, store, "r1")

	assert.Equal(t, manifest.RunSuccess, m.Status)
	assert.Equal(t, 3, m.CommittedChunks())
	assert.Equal(t, int64(3000), m.RowsProcessed())
}

// trackingStore records the peak number of concurrent shard Put calls.
// Manifest document writes share the store but come from the writer
// goroutine, not the pool, so they are excluded from the count.
type trackingStore struct {
	objectstore.Store
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *trackingStore) Put(ctx context.Context, key string, data []byte) error {
	if !strings.Contains(key, "chunk_") {
		return s.Store.Put(ctx, key, data)
	}

	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	err := s.Store.Put(ctx, key, data)

	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	return err
}

func TestWorkerPoolBound(t *testing.T) {
	p := testPipeline(50000) // 50 chunks, scaled pool of 5
	p.Options.Workers = 3    // pipeline cap wins
	store := &trackingStore{Store: objectstore.NewMemoryStore()}
	m := runPipeline(t, p, store, "r1")

	assert.Equal(t, manifest.RunSuccess, m.Status)
	assert.LessOrEqual(t, store.peak, 3)
	assert.Greater(t, store.peak, 1, "pool should actually run writes concurrently")
}

func TestIdempotentRewrite(t *testing.T) {
	store := objectstore.NewMemoryStore()
	p := testPipeline(2500)

	m1 := runPipeline(t, p, store, "r1")
	firstKeys, err := store.List(context.Background(), "")
	require.NoError(t, err)

	m2 := runPipeline(t, p, store, "r1")
	secondKeys, err := store.List(context.Background(), "")
	require.NoError(t, err)

	// Same run identifiers produce the same deterministic keys; nothing
	// accumulates across the rewrite
	assert.Equal(t, firstKeys, secondKeys)
	assert.Equal(t, m1.RowsProcessed(), m2.RowsProcessed())
	require.Len(t, m2.Entries, len(m1.Entries))
	for i := range m1.Entries {
		assert.Equal(t, m1.Entries[i].FilePath, m2.Entries[i].FilePath)
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := testPipeline(500000)
	store := objectstore.NewMemoryStore()

	source, err := registry.CreateSource(p.Source.Type)
	require.NoError(t, err)
	require.NoError(t, source.Open(ctx, p.Source))
	defer source.Close(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	manifests := manifest.NewStore(store, "")
	m, err := New(p, nil, source, store, manifests).Run(ctx, "r1")
	require.Error(t, err)
	assert.Equal(t, manifest.RunCancelled, m.Status)
	assert.True(t, m.Status.Terminal())
}

func TestManifestPersistedDurably(t *testing.T) {
	store := objectstore.NewMemoryStore()
	runPipeline(t, testPipeline(2500), store, "r1")

	// A fresh store handle sees the terminal ledger
	manifests := manifest.NewStore(store, "")
	loaded, err := manifests.Load(context.Background(), "p-orders", "r1")
	require.NoError(t, err)
	assert.Equal(t, manifest.RunSuccess, loaded.Status)
	assert.Len(t, loaded.Entries, 3)
	assert.Equal(t, []string{"id", "name", "amount"}, loaded.Columns)
}
