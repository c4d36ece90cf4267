// Package columnar provides the shard encoders and decoders for the load
// engine. Parquet is the default shard format; CSV and JSONL are supported
// for interoperability and debugging.
package columnar

import (
	"fmt"
	"io"

	"github.com/relaydata/relay/pkg/compression"
	"github.com/relaydata/relay/pkg/connector/core"
	"github.com/relaydata/relay/pkg/models"
)

// Format represents a shard storage format
type Format string

const (
	// Parquet is the columnar default, readable directly by the SQL engine
	Parquet Format = "parquet"
	// CSV is a text format with a header row
	CSV Format = "csv"
	// JSONL is newline-delimited JSON, one record per line
	JSONL Format = "jsonl"
)

// Writer encodes records into a single shard
type Writer interface {
	// WriteRecord appends a single record
	WriteRecord(record *models.Record) error
	// WriteRecords appends a batch of records
	WriteRecords(records []*models.Record) error
	// Close finalizes the shard. No writes may follow.
	Close() error
	// Format returns the shard format
	Format() Format
	// RecordsWritten returns the number of records encoded so far
	RecordsWritten() int64
}

// Reader decodes records from a shard
type Reader interface {
	// ReadAll decodes every record in the shard
	ReadAll() ([]*models.Record, error)
	// Schema returns the shard schema
	Schema() (*core.Schema, error)
	// Close releases reader resources
	Close() error
	// Format returns the shard format
	Format() Format
}

// WriterConfig configures shard writers
type WriterConfig struct {
	Format      Format
	Schema      *core.Schema
	Compression compression.Algorithm
	// BatchSize bounds how many rows the parquet writer buffers before
	// flushing a row group
	BatchSize int
}

// DefaultWriterConfig returns the default shard writer configuration
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Format:      Parquet,
		Compression: compression.Snappy,
		BatchSize:   10000,
	}
}

// ReaderConfig configures shard readers
type ReaderConfig struct {
	Format      Format
	Compression compression.Algorithm
	// Schema is required for CSV shards, whose cells are untyped text
	Schema *core.Schema
}

// NewWriter creates a shard writer over w
func NewWriter(w io.Writer, config *WriterConfig) (Writer, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10000
	}

	switch config.Format {
	case Parquet:
		return newParquetWriter(w, config)
	case CSV:
		return newCSVWriter(w, config)
	case JSONL:
		return newJSONLWriter(w, config)
	default:
		return nil, fmt.Errorf("unsupported shard format: %s", config.Format)
	}
}

// NewReader creates a shard reader over r
func NewReader(r io.Reader, config *ReaderConfig) (Reader, error) {
	if config == nil {
		return nil, fmt.Errorf("reader config is required")
	}

	switch config.Format {
	case Parquet:
		return newParquetReader(r)
	case CSV:
		return newCSVReader(r, config)
	case JSONL:
		return newJSONLReader(r, config)
	default:
		return nil, fmt.Errorf("unsupported shard format: %s", config.Format)
	}
}

// FileExtension returns the filename suffix for a shard of the given format
// and compression, including the leading dot. Parquet compresses internally
// so its extension never carries a codec suffix.
func FileExtension(format Format, algorithm compression.Algorithm) string {
	switch format {
	case Parquet:
		return ".parquet"
	case CSV:
		return ".csv" + codecExtension(algorithm)
	case JSONL:
		return ".jsonl" + codecExtension(algorithm)
	default:
		return ""
	}
}

func codecExtension(algorithm compression.Algorithm) string {
	c, err := compression.NewCompressor(algorithm)
	if err != nil {
		return ""
	}
	return c.Extension()
}
