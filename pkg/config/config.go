// Package config provides the unified configuration system for Relay.
// It defines the pipeline descriptor (source, destination, options) that the
// load engine executes, plus engine-level settings shared by all runs.
//
// The configuration is organized into logical sections:
//   - SourceSpec: connector type plus connection properties
//   - DestinationSpec: object-store location, shard format, compression
//   - Options: streaming mode, chunk sizing, worker ceiling, retries
//   - EngineConfig: process-wide defaults and limits
//
// Example usage:
//
//	p := config.NewPipelineConfig("orders", src, dst)
//	p.Options.ChunkSize = 10000
//
//	if err := p.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultChunkSize is the row bound at which a chunk is sealed
	DefaultChunkSize = 10000
	// DefaultChunkBytes is the byte bound at which a chunk is sealed,
	// whichever bound triggers first
	DefaultChunkBytes = 32 * 1024 * 1024
	// DefaultStreamingThreshold is the estimated row count above which the
	// engine switches to chunked streaming mode
	DefaultStreamingThreshold = 100000
	// DefaultRetryAttempts bounds per-chunk write retries
	DefaultRetryAttempts = 3
	// DefaultWorkerCeiling caps the chunk-writer pool regardless of scaling
	DefaultWorkerCeiling = 20
)

// StreamingMode selects between buffered and chunked execution
type StreamingMode string

const (
	// StreamingAuto lets the engine decide from the source's row estimate
	StreamingAuto StreamingMode = "auto"
	// StreamingOn forces chunked streaming
	StreamingOn StreamingMode = "on"
	// StreamingOff forces a single in-memory shard
	StreamingOff StreamingMode = "off"
)

// SourceSpec describes where rows come from. Properties carries
// connector-specific settings (url, host, query, credentials) the way each
// connector documents them.
type SourceSpec struct {
	// Type names a registered source connector (csv_url, rest_api,
	// postgres, mysql, salesforce, synthetic)
	Type string `yaml:"type" json:"type"`
	// Properties holds connector-specific connection parameters
	Properties map[string]string `yaml:"properties" json:"properties"`
}

// Property returns a named property or the empty string
func (s SourceSpec) Property(key string) string {
	if s.Properties == nil {
		return ""
	}
	return s.Properties[key]
}

// DestinationSpec describes where shards land.
type DestinationSpec struct {
	// Store selects the object-store backend (s3, local, memory)
	Store string `yaml:"store" json:"store"`
	// Bucket is the S3 bucket (ignored by local/memory stores)
	Bucket string `yaml:"bucket" json:"bucket"`
	// Region is the S3 region
	Region string `yaml:"region" json:"region"`
	// Prefix is the key prefix under which shard files are written
	Prefix string `yaml:"prefix" json:"prefix"`
	// Format selects the shard encoding (parquet, csv, jsonl)
	Format string `yaml:"format" json:"format"`
	// Compression selects the shard compression (snappy, gzip, zstd, lz4, none)
	Compression string `yaml:"compression" json:"compression"`
}

// Options is the declarative per-pipeline option set.
type Options struct {
	// Streaming selects buffered vs chunked execution; auto decides from
	// the source's row estimate
	Streaming StreamingMode `yaml:"streaming" json:"streaming"`
	// ChunkSize is the row bound per chunk
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// ChunkBytes is the byte bound per chunk
	ChunkBytes int64 `yaml:"chunk_bytes" json:"chunk_bytes"`
	// Workers caps the chunk-writer pool for this pipeline
	Workers int `yaml:"workers" json:"workers"`
	// RetryAttempts bounds write retries per chunk
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial backoff delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// EmitMetadata controls whether a dataset descriptor document is
	// written next to the shards after a completed run
	EmitMetadata bool `yaml:"emit_metadata" json:"emit_metadata"`
}

// PipelineConfig is the full descriptor of one pipeline. It is immutable
// once created; only the run ledger evolves.
type PipelineConfig struct {
	// ID uniquely identifies the pipeline
	ID string `yaml:"id" json:"id"`
	// Name is the operator-facing pipeline name; it also seeds the
	// relation name used by the query layer
	Name string `yaml:"name" json:"name"`

	Source      SourceSpec      `yaml:"source" json:"source"`
	Destination DestinationSpec `yaml:"destination" json:"destination"`
	Options     Options         `yaml:"options" json:"options"`
}

// NewPipelineConfig creates a pipeline descriptor with defaulted options
func NewPipelineConfig(name string, source SourceSpec, destination DestinationSpec) *PipelineConfig {
	p := &PipelineConfig{
		Name:        name,
		Source:      source,
		Destination: destination,
	}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills zero-valued options with engine defaults
func (p *PipelineConfig) ApplyDefaults() {
	if p.Options.Streaming == "" {
		p.Options.Streaming = StreamingAuto
	}
	if p.Options.ChunkSize <= 0 {
		p.Options.ChunkSize = DefaultChunkSize
	}
	if p.Options.ChunkBytes <= 0 {
		p.Options.ChunkBytes = DefaultChunkBytes
	}
	if p.Options.Workers <= 0 {
		p.Options.Workers = DefaultWorkerCeiling
	}
	if p.Options.RetryAttempts <= 0 {
		p.Options.RetryAttempts = DefaultRetryAttempts
	}
	if p.Options.RetryDelay <= 0 {
		p.Options.RetryDelay = 500 * time.Millisecond
	}
	if p.Destination.Format == "" {
		p.Destination.Format = "parquet"
	}
	if p.Destination.Compression == "" {
		p.Destination.Compression = "snappy"
	}
	if p.Destination.Store == "" {
		p.Destination.Store = "s3"
	}
}

// Validate checks the descriptor for structural problems
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if p.Source.Type == "" {
		return fmt.Errorf("source type is required")
	}
	switch p.Destination.Store {
	case "s3":
		if p.Destination.Bucket == "" {
			return fmt.Errorf("destination bucket is required for s3 store")
		}
	case "local", "memory":
		// prefix alone is enough
	default:
		return fmt.Errorf("unknown destination store: %s", p.Destination.Store)
	}
	switch p.Destination.Format {
	case "parquet", "csv", "jsonl":
	default:
		return fmt.Errorf("unsupported shard format: %s", p.Destination.Format)
	}
	switch p.Options.Streaming {
	case StreamingAuto, StreamingOn, StreamingOff:
	default:
		return fmt.Errorf("invalid streaming mode: %s", p.Options.Streaming)
	}
	return nil
}

// RelationName derives the SQL relation name the query layer exposes for
// this pipeline: lowercased, non-alphanumerics collapsed to underscores,
// and prefixed when the name would start with a digit.
func (p *PipelineConfig) RelationName() string {
	var b strings.Builder
	for _, r := range strings.ToLower(p.Name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "dataset"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// LoadPipelineFile reads a pipeline descriptor from a YAML file
func LoadPipelineFile(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var p PipelineConfig
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}

	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
