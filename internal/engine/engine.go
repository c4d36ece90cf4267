// Package engine implements the streaming load engine: it drains a source
// connector into compressed shard files in object storage and maintains the
// run's manifest as the single source of truth.
//
// One run is single-threaded on the extraction side. Sealed chunks are
// dispatched to a bounded worker pool; dispatch blocks when the pool is
// full, which bounds peak memory to (pool size + 1) chunks. Chunk outcomes
// flow over one channel into a single manifest-writer goroutine, so the
// manifest is never mutated concurrently.
package engine

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaydata/relay/pkg/catalog"
	"github.com/relaydata/relay/pkg/compression"
	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/formats/columnar"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/manifest"
	"github.com/relaydata/relay/pkg/metrics"
	"github.com/relaydata/relay/pkg/models"
	"github.com/relaydata/relay/pkg/objectstore"
	"github.com/relaydata/relay/pkg/pool"
)

// Engine executes load runs for one pipeline
type Engine struct {
	pipeline  *config.PipelineConfig
	cfg       *config.EngineConfig
	source    core.Source
	store     objectstore.Store
	manifests *manifest.Store
	logger    *zap.Logger
}

// New creates an engine over an already-opened source
func New(pipeline *config.PipelineConfig, cfg *config.EngineConfig, source core.Source,
	store objectstore.Store, manifests *manifest.Store) *Engine {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	return &Engine{
		pipeline:  pipeline,
		cfg:       cfg,
		source:    source,
		store:     store,
		manifests: manifests,
		logger: logger.Get().With(
			zap.String("pipeline_id", pipeline.ID),
			zap.String("component", "load_engine"),
		),
	}
}

// chunkEvent is one manifest mutation flowing into the writer goroutine.
// pending events always precede the matching resolution because dispatch
// happens after the pending event is sent.
type chunkEvent struct {
	index   int
	key     string
	rows    int64
	pending bool
	err     error
}

// Run executes one load run to completion and returns its manifest. The
// returned manifest carries the terminal status; the error is non-nil only
// when the run did not produce a usable outcome (source failure,
// cancellation, infrastructure failure).
func (e *Engine) Run(ctx context.Context, runID string) (*manifest.Manifest, error) {
	log := e.logger.With(zap.String("run_id", runID))
	m := manifest.New(e.pipeline.ID, runID, e.pipeline.RelationName())

	if err := e.manifests.Save(ctx, m); err != nil {
		return m, err
	}

	schema, err := e.source.Discover(ctx)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeSourceEmpty) {
			// Zero-row source: trivial success with an empty ledger
			_ = m.Start()
			m.Complete(false)
			if saveErr := e.manifests.Save(ctx, m); saveErr != nil {
				return m, saveErr
			}
			log.Info("run completed on empty source", zap.String("status", string(m.Status)))
			return m, nil
		}
		_ = m.Start()
		m.Abort()
		_ = e.manifests.Save(ctx, m)
		return m, err
	}
	m.Columns = schema.FieldNames()

	if err := m.Start(); err != nil {
		return m, err
	}
	if err := e.manifests.Save(ctx, m); err != nil {
		return m, err
	}

	chunkRows, chunkBytes, streaming := e.chunkBounds(ctx)
	workers := e.poolSize(ctx, chunkRows)
	log.Info("run started",
		zap.Bool("streaming", streaming),
		zap.Int("chunk_rows", chunkRows),
		zap.Int("workers", workers))

	batchSize := chunkRows
	if batchSize > 1000 {
		batchSize = 1000
	}
	stream, err := e.source.ReadBatches(ctx, batchSize)
	if err != nil {
		m.Abort()
		_ = e.manifests.Save(ctx, m)
		return m, err
	}

	events := make(chan chunkEvent, workers*2)
	writerDone := make(chan struct{})
	// Persist with a context that survives run cancellation; the ledger must
	// record in-flight outcomes even when the run is being torn down
	persistCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(writerDone)
		for ev := range events {
			var err error
			switch {
			case ev.pending:
				err = m.AppendPending(ev.index, ev.key, ev.rows)
			case ev.err != nil:
				err = m.Fail(ev.index, ev.err.Error())
			default:
				err = m.Commit(ev.index)
			}
			if err != nil {
				log.Error("manifest update rejected", zap.Error(err))
				continue
			}
			if err := e.manifests.Save(persistCtx, m); err != nil {
				log.Error("manifest persist failed", zap.Error(err))
			}
		}
	}()

	g := &errgroup.Group{}
	g.SetLimit(workers)

	var (
		chunkIndex int
		buffer     []*models.Record
		bufferSize int64
		cancelled  bool
	)

	dispatch := func() {
		if len(buffer) == 0 || cancelled {
			return
		}
		// Cancellation is honored between chunks, never mid-write
		if ctx.Err() != nil {
			cancelled = true
			return
		}

		index := chunkIndex
		chunkIndex++
		key := e.chunkKey(runID, index)
		chunk := buffer
		buffer = nil
		bufferSize = 0

		events <- chunkEvent{index: index, key: key, rows: int64(len(chunk)), pending: true}
		g.Go(func() error {
			events <- chunkEvent{index: index, err: e.writeChunk(persistCtx, key, chunk, schema)}
			return nil
		})
	}

	for batch := range stream.Batches {
		metrics.RowsExtracted.WithLabelValues(e.pipeline.Source.Type).Add(float64(batch.Rows()))
		buffer = append(buffer, batch...)
		bufferSize += batch.SizeEstimate()

		if len(buffer) >= chunkRows || bufferSize >= chunkBytes {
			dispatch()
			if cancelled {
				break
			}
		}
	}
	dispatch()

	var sourceErr error
	select {
	case sourceErr = <-stream.Errors:
	default:
	}
	if sourceErr != nil && errors.IsType(sourceErr, errors.ErrorTypeCancelled) {
		cancelled = true
		sourceErr = nil
	}
	if ctx.Err() != nil {
		cancelled = true
	}

	// In-flight chunk writes always run to completion
	_ = g.Wait()
	close(events)
	<-writerDone

	if sourceErr != nil {
		m.Abort()
	} else {
		m.Complete(cancelled)
	}
	if err := e.manifests.Save(persistCtx, m); err != nil {
		return m, err
	}

	if e.pipeline.Options.EmitMetadata && m.Status.Completed() {
		if err := e.emitDescriptor(persistCtx, m); err != nil {
			log.Warn("descriptor document write failed", zap.Error(err))
		}
	}

	log.Info("run finished",
		zap.String("status", string(m.Status)),
		zap.Int64("rows_processed", m.RowsProcessed()),
		zap.Int("chunks_committed", m.CommittedChunks()),
		zap.Int("chunks_failed", m.FailedChunks()),
		zap.Duration("duration", m.Duration()))

	switch {
	case sourceErr != nil:
		return m, sourceErr
	case cancelled:
		return m, errors.New(errors.ErrorTypeCancelled, "run cancelled")
	default:
		return m, nil
	}
}

// chunkBounds resolves the effective chunk limits. Buffered mode collapses
// the run into one shard by removing the bounds.
func (e *Engine) chunkBounds(ctx context.Context) (rows int, size int64, streaming bool) {
	opts := e.pipeline.Options

	switch {
	case !e.source.SupportsStreaming():
		// Bulk-only sources materialize their dataset anyway; chunking it
		// afterwards buys nothing
		streaming = false
	case opts.Streaming == config.StreamingOn:
		streaming = true
	case opts.Streaming == config.StreamingOff:
		streaming = false
	default:
		// Auto: stream when the source is large or its size is unknown
		estimate := e.source.EstimatedRows(ctx)
		streaming = estimate == core.EstimateUnknown || estimate > e.cfg.StreamingThreshold
	}

	if !streaming {
		return 1 << 30, 1 << 62, false
	}
	return opts.ChunkSize, opts.ChunkBytes, true
}

// poolSize scales the chunk-writer pool by the estimated chunk count:
// small runs get 2 workers, medium 5 or 10, large 20, never above the
// pipeline's or the engine's ceiling.
func (e *Engine) poolSize(ctx context.Context, chunkRows int) int {
	estimate := e.source.EstimatedRows(ctx)

	var workers int
	if estimate == core.EstimateUnknown {
		workers = 5
	} else {
		chunks := estimate / int64(chunkRows)
		if estimate%int64(chunkRows) != 0 {
			chunks++
		}
		switch {
		case chunks < 10:
			workers = 2
		case chunks < 100:
			workers = 5
		case chunks < 1000:
			workers = 10
		default:
			workers = 20
		}
	}

	if workers > e.pipeline.Options.Workers {
		workers = e.pipeline.Options.Workers
	}
	if workers > e.cfg.WorkerCeiling {
		workers = e.cfg.WorkerCeiling
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}

// chunkKey derives the deterministic shard name for (pipeline, run, index).
// Re-running with the same identifiers overwrites the same keys, which is
// what makes chunk retries and run restarts idempotent.
func (e *Engine) chunkKey(runID string, index int) string {
	format := columnar.Format(e.pipeline.Destination.Format)
	algorithm := compression.Algorithm(e.pipeline.Destination.Compression)
	name := fmt.Sprintf("chunk_%06d%s", index, columnar.FileExtension(format, algorithm))
	return path.Join(e.pipeline.Destination.Prefix, e.pipeline.ID, runID, name)
}

// emitDescriptor writes the run's dataset descriptor as a JSON document next
// to the shards so downstream consumers can discover the dataset without
// reading the manifest store.
func (e *Engine) emitDescriptor(ctx context.Context, m *manifest.Manifest) error {
	d := catalog.New(e.manifests, e.store).FromManifest(m, e.pipeline.RelationName())
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	key := path.Join(e.pipeline.Destination.Prefix, e.pipeline.ID, m.RunID, "_descriptor.json")
	return e.store.Put(ctx, key, data)
}

// writeChunk encodes and uploads one chunk, retrying the upload with
// exponential backoff. Returns nil on commit, the terminal error when
// retries are exhausted.
func (e *Engine) writeChunk(ctx context.Context, key string, records []*models.Record, schema *core.Schema) error {
	metrics.ChunkWritersInFlight.Inc()
	defer metrics.ChunkWritersInFlight.Dec()
	timer := metrics.NewTimer()

	formatName := e.pipeline.Destination.Format

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	writer, err := columnar.NewWriter(buf, &columnar.WriterConfig{
		Format:      columnar.Format(formatName),
		Schema:      schema,
		Compression: compression.Algorithm(e.pipeline.Destination.Compression),
	})
	if err == nil {
		if err = writer.WriteRecords(records); err == nil {
			err = writer.Close()
		}
	}
	if err != nil {
		metrics.ChunksFailed.WithLabelValues(formatName).Inc()
		return errors.Wrap(err, errors.ErrorTypeChunkWriteFailed, "failed to encode chunk").
			WithDetail("key", key)
	}

	attempts := e.pipeline.Options.RetryAttempts
	delay := e.pipeline.Options.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = e.store.Put(ctx, key, buf.Bytes())
		if lastErr == nil {
			metrics.ChunksCommitted.WithLabelValues(formatName).Inc()
			metrics.ObserveChunkUpload(formatName, timer.Stop())
			return nil
		}
		if attempt < attempts {
			metrics.ChunkWriteRetries.Inc()
			e.logger.Warn("chunk write failed, retrying",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				attempt = attempts // persist layer is gone, stop retrying
			}
		}
	}

	metrics.ChunksFailed.WithLabelValues(formatName).Inc()
	return errors.Wrap(lastErr, errors.ErrorTypeChunkWriteFailed, "chunk write exhausted retries").
		WithDetail("key", key).
		WithDetail("attempts", attempts)
}
