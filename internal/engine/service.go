package engine

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydata/relay/pkg/catalog"
	"github.com/relaydata/relay/pkg/compression"
	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/connector/registry"
	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/formats/columnar"
	"github.com/relaydata/relay/pkg/logger"
	"github.com/relaydata/relay/pkg/manifest"
	"github.com/relaydata/relay/pkg/models"
	"github.com/relaydata/relay/pkg/objectstore"
	"github.com/relaydata/relay/pkg/planner"
	"github.com/relaydata/relay/pkg/pool"
	"github.com/relaydata/relay/pkg/query"
)

// Service is the operational surface over pipelines: it registers them,
// starts and cancels runs, answers status questions, and routes SQL and
// transformations through the query layer. One service instance owns one
// object store and one embedded SQL engine.
type Service struct {
	cfg     *config.EngineConfig
	store   objectstore.Store
	queries *query.Engine
	logger  *zap.Logger

	mu        sync.Mutex
	pipelines map[string]*config.PipelineConfig
	handles   map[string]*runHandle
	// runOwner maps every known run, live or finished, back to its pipeline
	runOwner map[string]string
}

// runHandle tracks one live run so it can be cancelled
type runHandle struct {
	pipelineID string
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewService creates a service over one object store
func NewService(cfg *config.EngineConfig, store objectstore.Store, queries *query.Engine) *Service {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		queries:   queries,
		logger:    logger.Get().With(zap.String("component", "service")),
		pipelines: make(map[string]*config.PipelineConfig),
		handles:   make(map[string]*runHandle),
		runOwner:  make(map[string]string),
	}
}

// RegisterPipeline validates and registers a pipeline, assigning an ID when
// the descriptor carries none
func (s *Service) RegisterPipeline(p *config.PipelineConfig) (string, error) {
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid pipeline")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[p.ID]; exists {
		return "", errors.Newf(errors.ErrorTypeConflict, "pipeline %s already registered", p.ID)
	}
	s.pipelines[p.ID] = p

	s.logger.Info("pipeline registered",
		zap.String("pipeline_id", p.ID),
		zap.String("name", p.Name),
		zap.String("source", p.Source.Type))
	return p.ID, nil
}

// Pipeline returns a registered pipeline by ID
func (s *Service) Pipeline(pipelineID string) (*config.PipelineConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown pipeline %s", pipelineID)
	}
	return p, nil
}

func (s *Service) manifestsFor(p *config.PipelineConfig) *manifest.Store {
	return manifest.NewStore(s.store, p.Destination.Prefix)
}

func (s *Service) catalogFor(p *config.PipelineConfig) *catalog.Catalog {
	return catalog.New(s.manifestsFor(p), s.store)
}

// CreateRun starts one load run asynchronously and returns its ID. A second
// run of the same pipeline is rejected while the first holds the run lock.
func (s *Service) CreateRun(ctx context.Context, pipelineID string) (string, error) {
	p, err := s.Pipeline(pipelineID)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	manifests := s.manifestsFor(p)
	if err := manifests.AcquireLock(ctx, pipelineID, runID, s.cfg.LockTTL); err != nil {
		return "", err
	}

	source, err := registry.CreateSource(p.Source.Type)
	if err != nil {
		_ = manifests.ReleaseLock(ctx, pipelineID, runID)
		return "", err
	}
	if err := source.Open(ctx, p.Source); err != nil {
		_ = manifests.ReleaseLock(ctx, pipelineID, runID)
		return "", err
	}

	// The run outlives the request context; cancellation goes through
	// CancelRun instead
	runCtx, cancel := context.WithCancel(logger.ContextWithRun(context.Background(), pipelineID, runID))
	handle := &runHandle{
		pipelineID: pipelineID,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[runID] = handle
	s.runOwner[runID] = pipelineID
	s.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer cancel()
		defer func() {
			cleanup := context.WithoutCancel(runCtx)
			_ = source.Close(cleanup)
			_ = manifests.ReleaseLock(cleanup, pipelineID, runID)

			s.mu.Lock()
			delete(s.handles, runID)
			s.mu.Unlock()
		}()

		if _, err := New(p, s.cfg, source, s.store, manifests).Run(runCtx, runID); err != nil {
			logger.WithContext(runCtx).Warn("run did not complete cleanly", zap.Error(err))
		}
	}()

	return runID, nil
}

// CancelRun requests cancellation of a live run. In-flight chunk writes run
// to completion and are recorded before the run reaches its terminal state.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	handle, ok := s.handles[runID]
	s.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrorTypeValidation, "no live run %s", runID)
	}
	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetRunStatus loads a run's manifest and projects it into a report
func (s *Service) GetRunStatus(ctx context.Context, runID string) (*RunReport, error) {
	s.mu.Lock()
	pipelineID, ok := s.runOwner[runID]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown run %s", runID)
	}

	p, err := s.Pipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	m, err := s.manifestsFor(p).Load(ctx, pipelineID, runID)
	if err != nil {
		return nil, err
	}
	return ReportFor(m), nil
}

// WaitForRun blocks until a live run reaches its terminal state, then
// returns its report. Finished runs return immediately.
func (s *Service) WaitForRun(ctx context.Context, runID string) (*RunReport, error) {
	s.mu.Lock()
	handle, live := s.handles[runID]
	s.mu.Unlock()

	if live {
		select {
		case <-handle.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.GetRunStatus(ctx, runID)
}

// registerRelations resolves each pipeline to its latest completed run and
// registers the dataset as a view, returning the alias-to-pipeline map
func (s *Service) registerRelations(ctx context.Context, pipelineIDs []string) (map[string]string, error) {
	tables := make(map[string]string, len(pipelineIDs))
	for _, id := range pipelineIDs {
		p, err := s.Pipeline(id)
		if err != nil {
			return nil, err
		}
		relation := p.RelationName()
		d, err := s.catalogFor(p).Describe(ctx, id, relation)
		if err != nil {
			return nil, err
		}
		if err := s.queries.RegisterDataset(ctx, d); err != nil {
			return nil, err
		}
		tables[relation] = id
	}
	return tables, nil
}

// Query resolves the named pipelines to views and executes one statement
func (s *Service) Query(ctx context.Context, sqlText string, pipelineIDs []string, limit int) (*query.ResultSet, error) {
	tables, err := s.registerRelations(ctx, pipelineIDs)
	if err != nil {
		return nil, err
	}
	return s.queries.Query(ctx, sqlText, tables, limit)
}

// SuggestJoin scores join-key candidates between two pipelines
func (s *Service) SuggestJoin(ctx context.Context, leftID, rightID string) ([]planner.Candidate, error) {
	if _, err := s.registerRelations(ctx, []string{leftID, rightID}); err != nil {
		return nil, err
	}
	left, right, err := s.describePair(ctx, leftID, rightID)
	if err != nil {
		return nil, err
	}
	return planner.New(s.queries, s.cfg.SampleSize).SuggestJoin(ctx, left, right)
}

func (s *Service) describePair(ctx context.Context, leftID, rightID string) (*catalog.DatasetDescriptor, *catalog.DatasetDescriptor, error) {
	lp, err := s.Pipeline(leftID)
	if err != nil {
		return nil, nil, err
	}
	rp, err := s.Pipeline(rightID)
	if err != nil {
		return nil, nil, err
	}
	left, err := s.catalogFor(lp).Describe(ctx, leftID, lp.RelationName())
	if err != nil {
		return nil, nil, err
	}
	right, err := s.catalogFor(rp).Describe(ctx, rightID, rp.RelationName())
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

// CreateTransformation compiles a transformation spec, executes it, and
// persists the result as a completed run of a new derived pipeline. The
// derived pipeline is immediately queryable like any other.
func (s *Service) CreateTransformation(ctx context.Context, spec *planner.TransformationSpec) (string, error) {
	if spec.Name == "" || spec.LeftPipeline == "" {
		return "", errors.New(errors.ErrorTypeValidation, "transformation requires a name and a left pipeline")
	}

	ids := []string{spec.LeftPipeline}
	if spec.RightPipeline != "" {
		ids = append(ids, spec.RightPipeline)
	}
	if _, err := s.registerRelations(ctx, ids); err != nil {
		return "", err
	}

	lp, err := s.Pipeline(spec.LeftPipeline)
	if err != nil {
		return "", err
	}
	leftRelation := lp.RelationName()

	var rightRelation string
	on := spec.On
	if spec.RightPipeline != "" {
		rp, err := s.Pipeline(spec.RightPipeline)
		if err != nil {
			return "", err
		}
		rightRelation = rp.RelationName()

		if on == nil {
			left, right, err := s.describePair(ctx, spec.LeftPipeline, spec.RightPipeline)
			if err != nil {
				return "", err
			}
			key, err := planner.New(s.queries, s.cfg.SampleSize).InferKey(ctx, left, right)
			if err != nil {
				return "", err
			}
			on = &planner.JoinKey{LeftColumn: key.LeftColumn, RightColumn: key.RightColumn}
			s.logger.Info("join key inferred",
				zap.String("left_column", key.LeftColumn),
				zap.String("right_column", key.RightColumn),
				zap.String("reason", key.Reason))
		}
	}

	stmt, err := planner.CompileSQL(leftRelation, rightRelation, on, spec.GroupBy, spec.Aggregates)
	if err != nil {
		return "", err
	}

	// Transformations materialize fully; lift the interactive row limit
	rs, err := s.queries.Query(ctx, stmt, nil, 1<<31-1)
	if err != nil {
		return "", err
	}

	derived := config.NewPipelineConfig(spec.Name,
		config.SourceSpec{
			Type:       "derived",
			Properties: map[string]string{"sql": stmt},
		},
		lp.Destination,
	)
	derived.ID = uuid.NewString()

	if err := s.persistDerived(ctx, derived, rs); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pipelines[derived.ID] = derived
	s.mu.Unlock()

	s.logger.Info("transformation persisted",
		zap.String("pipeline_id", derived.ID),
		zap.String("relation", derived.RelationName()),
		zap.Int("rows", rs.RowCount))
	return derived.ID, nil
}

// persistDerived writes a result set as committed shards plus a completed
// manifest under the derived pipeline's namespace
func (s *Service) persistDerived(ctx context.Context, p *config.PipelineConfig, rs *query.ResultSet) error {
	runID := uuid.NewString()
	m := manifest.New(p.ID, runID, p.RelationName())

	records := make([]*models.Record, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		data := make(map[string]interface{}, len(rs.Columns))
		for i, col := range rs.Columns {
			data[col] = row[i]
		}
		records = append(records, &models.Record{Data: data})
	}

	var schema *core.Schema
	if len(records) > 0 {
		sample := records
		if len(sample) > 100 {
			sample = sample[:100]
		}
		inferred, err := core.InferSchema(p.RelationName(), sample)
		if err != nil {
			return err
		}
		schema = inferred
		m.Columns = schema.FieldNames()
	} else {
		// Empty result: keep the projected columns so the relation stays
		// describable
		schema = &core.Schema{Name: p.RelationName()}
		for _, col := range rs.Columns {
			schema.Fields = append(schema.Fields, core.Field{Name: col, Type: core.FieldTypeString, Nullable: true})
		}
		m.Columns = rs.Columns
	}

	if err := m.Start(); err != nil {
		return err
	}

	format := columnar.Format(p.Destination.Format)
	algorithm := compression.Algorithm(p.Destination.Compression)
	chunkRows := p.Options.ChunkSize

	for index := 0; index*chunkRows < len(records); index++ {
		lo := index * chunkRows
		hi := lo + chunkRows
		if hi > len(records) {
			hi = len(records)
		}
		chunk := records[lo:hi]

		name := fmt.Sprintf("chunk_%06d%s", index, columnar.FileExtension(format, algorithm))
		key := path.Join(p.Destination.Prefix, p.ID, runID, name)
		if err := s.writeDerivedChunk(ctx, key, chunk, schema, format, algorithm); err != nil {
			return err
		}

		if err := m.AppendPending(index, key, int64(len(chunk))); err != nil {
			return err
		}
		if err := m.Commit(index); err != nil {
			return err
		}
	}

	m.Complete(false)
	return s.manifestsFor(p).Save(ctx, m)
}

// writeDerivedChunk encodes and uploads one derived shard
func (s *Service) writeDerivedChunk(ctx context.Context, key string, chunk []*models.Record,
	schema *core.Schema, format columnar.Format, algorithm compression.Algorithm) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	w, err := columnar.NewWriter(buf, &columnar.WriterConfig{
		Format:      format,
		Schema:      schema,
		Compression: algorithm,
	})
	if err == nil {
		if err = w.WriteRecords(chunk); err == nil {
			err = w.Close()
		}
	}
	if err != nil {
		return err
	}

	if err := s.store.Put(ctx, key, buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeChunkWriteFailed, "failed to persist derived shard").
			WithDetail("key", key)
	}
	return nil
}

// ListPipelines returns the registered pipelines in no particular order
func (s *Service) ListPipelines() []*config.PipelineConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*config.PipelineConfig, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p)
	}
	return out
}

// Close shuts the embedded query engine down after live runs finish
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.queries.Close()
}
