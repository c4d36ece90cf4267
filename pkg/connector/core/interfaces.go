// Package core defines the source connector contract and the schema model
// shared by the load engine, the shard encoders, and the join planner.
package core

import (
	"context"
	"time"

	"github.com/relaydata/relay/pkg/config"
	"github.com/relaydata/relay/pkg/models"
)

// Schema represents the tabular shape of a source
type Schema struct {
	Name      string
	Fields    []Field
	CreatedAt time.Time
}

// Field represents a column in the schema
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// FieldType represents the inferred data type of a field
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
	FieldTypeJSON      FieldType = "json"
	FieldTypeBinary    FieldType = "binary"
)

// BatchStream represents a stream of record batches from a source. Channels
// are small or unbuffered so a slow consumer applies backpressure to the
// producer instead of letting it run ahead.
type BatchStream struct {
	Batches <-chan models.Batch
	Errors  <-chan error
}

// EstimateUnknown signals that a source cannot estimate its row count
// ahead of extraction.
const EstimateUnknown int64 = -1

// Source is the interface all source connectors implement. Open must be
// called before any other method; Close releases underlying resources and
// may be called at most once.
type Source interface {
	// Open validates the spec and establishes any connection it needs
	Open(ctx context.Context, spec config.SourceSpec) error

	// Discover infers the schema, reading a bounded sample if the source
	// has no declared one
	Discover(ctx context.Context) (*Schema, error)

	// ReadBatches streams the full dataset in batches of at most batchSize
	// rows. The stream ends when Batches is closed; a terminal failure is
	// delivered on Errors before the close.
	ReadBatches(ctx context.Context, batchSize int) (*BatchStream, error)

	// EstimatedRows returns the expected row count, or EstimateUnknown.
	// Used to size the chunk writer pool before extraction starts.
	EstimatedRows(ctx context.Context) int64

	// SupportsStreaming reports whether the source can produce batches
	// incrementally without materializing the dataset
	SupportsStreaming() bool

	Close(ctx context.Context) error
}

// Field returns the field with the given name, or nil
func (s *Schema) Field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

// FieldNames returns the column names in schema order
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
