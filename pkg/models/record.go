// Package models defines the unified record type used throughout Relay.
package models

import (
	"time"
)

// RecordMetadata carries source and timing information alongside a record.
// All fields are optional; connectors fill what they know.
type RecordMetadata struct {
	// Source identifies the origin connector type
	Source string `json:"source,omitempty"`
	// Table name for database sources
	Table string `json:"table,omitempty"`
	// Offset is the record's position within the source stream
	Offset int64 `json:"offset,omitempty"`
	// Timestamp when the record was extracted
	Timestamp time.Time `json:"timestamp"`
}

// Record is the unified row representation flowing from connectors through
// the load engine into shard writers.
type Record struct {
	// Data contains the row payload keyed by column name
	Data map[string]interface{} `json:"data"`
	// Metadata contains source and timing information
	Metadata RecordMetadata `json:"metadata"`
}

// NewRecord creates a record around an existing data map
func NewRecord(data map[string]interface{}) *Record {
	return &Record{
		Data:     data,
		Metadata: RecordMetadata{Timestamp: time.Now()},
	}
}

// SizeEstimate returns a rough byte-size estimate of the record payload,
// used for byte-bounded chunk sealing. Exact accounting is not needed;
// the bound only has to hold within a small constant factor.
func (r *Record) SizeEstimate() int64 {
	var size int64
	for k, v := range r.Data {
		size += int64(len(k))
		switch val := v.(type) {
		case string:
			size += int64(len(val))
		case []byte:
			size += int64(len(val))
		case nil:
			// no payload
		default:
			size += 8
		}
	}
	return size
}

// Batch is an ordered slice of records produced by one connector poll.
type Batch []*Record

// Rows returns the number of records in the batch
func (b Batch) Rows() int {
	return len(b)
}

// SizeEstimate returns the summed payload estimate of all records
func (b Batch) SizeEstimate() int64 {
	var size int64
	for _, r := range b {
		size += r.SizeEstimate()
	}
	return size
}
