// Package catalog resolves pipelines to dataset descriptors: the concrete
// shard files and columns of the latest completed run. Descriptors are
// snapshots; entries committed after resolution are not visible through an
// already-issued descriptor.
package catalog

import (
	"context"
	"time"

	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/manifest"
	"github.com/relaydata/relay/pkg/objectstore"
)

// DatasetDescriptor is an immutable snapshot of one queryable dataset
type DatasetDescriptor struct {
	// Relation is the SQL name the query layer exposes
	Relation   string   `json:"relation"`
	PipelineID string   `json:"pipeline_id"`
	RunID      string   `json:"run_id"`
	Columns    []string `json:"columns"`
	// Files are the object-store keys of committed shards, in chunk order
	Files []string `json:"files"`
	// URLs are the same shards as locations the SQL engine can read
	URLs        []string  `json:"urls"`
	RowCount    int64     `json:"row_count"`
	CompletedAt time.Time `json:"completed_at"`
}

// Catalog derives descriptors from the manifest store
type Catalog struct {
	manifests *manifest.Store
	store     objectstore.Store
}

// New creates a catalog over the manifest store
func New(manifests *manifest.Store, store objectstore.Store) *Catalog {
	return &Catalog{manifests: manifests, store: store}
}

// Describe resolves a pipeline to its latest completed run's descriptor.
// A pipeline with no completed run is not queryable and resolves to a
// relation-not-found error naming the alias.
func (c *Catalog) Describe(ctx context.Context, pipelineID, relation string) (*DatasetDescriptor, error) {
	m, err := c.manifests.LatestCompleted(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.Newf(errors.ErrorTypeRelationNotFound, "no queryable data for relation %q", relation).
			WithDetail("pipeline_id", pipelineID)
	}
	return c.describeManifest(m, relation), nil
}

// DescribeRun resolves a specific run instead of the latest completed one.
// A failed or cancelled run still exposes whatever chunks did commit; only
// live runs and runs with an empty committed set are unqueryable.
func (c *Catalog) DescribeRun(ctx context.Context, pipelineID, runID, relation string) (*DatasetDescriptor, error) {
	m, err := c.manifests.Load(ctx, pipelineID, runID)
	if err != nil {
		return nil, err
	}
	if !m.Status.Terminal() {
		return nil, errors.Newf(errors.ErrorTypeRelationNotFound, "run %s is still in progress", runID).
			WithDetail("status", string(m.Status))
	}
	d := c.describeManifest(m, relation)
	if len(d.Files) == 0 {
		return nil, errors.Newf(errors.ErrorTypeRelationNotFound, "run %s has no queryable data", runID).
			WithDetail("status", string(m.Status))
	}
	return d, nil
}

// FromManifest builds a descriptor directly from an in-memory manifest.
// The load engine uses this to emit the descriptor document next to the
// shards without a round trip through the store.
func (c *Catalog) FromManifest(m *manifest.Manifest, relation string) *DatasetDescriptor {
	return c.describeManifest(m, relation)
}

func (c *Catalog) describeManifest(m *manifest.Manifest, relation string) *DatasetDescriptor {
	committed := m.CommittedEntries()

	d := &DatasetDescriptor{
		Relation:   relation,
		PipelineID: m.PipelineID,
		RunID:      m.RunID,
		Columns:    append([]string(nil), m.Columns...),
		Files:      make([]string, 0, len(committed)),
		URLs:       make([]string, 0, len(committed)),
	}
	if relation == "" {
		d.Relation = m.Relation
	}
	for _, e := range committed {
		d.Files = append(d.Files, e.FilePath)
		d.URLs = append(d.URLs, c.store.URL(e.FilePath))
		d.RowCount += e.RowCount
	}
	if m.CompletedAt != nil {
		d.CompletedAt = *m.CompletedAt
	}
	return d
}
