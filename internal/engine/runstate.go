package engine

import (
	"time"

	"github.com/relaydata/relay/pkg/manifest"
)

// RunReport is the operator-facing projection of one run's manifest:
// status plus counters, no ledger internals.
type RunReport struct {
	RunID      string             `json:"run_id"`
	PipelineID string             `json:"pipeline_id"`
	Status     manifest.RunStatus `json:"status"`

	RowsProcessed   int64 `json:"rows_processed"`
	ChunksTotal     int   `json:"chunks_total"`
	ChunksCommitted int   `json:"chunks_committed"`
	ChunksFailed    int   `json:"chunks_failed"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`

	// FailedChunks lists the index and terminal error of each failed chunk
	FailedChunks []FailedChunk `json:"failed_chunks,omitempty"`
}

// FailedChunk names one abandoned chunk and why it was abandoned
type FailedChunk struct {
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error"`
}

// ReportFor projects a manifest into a run report. The manifest stays the
// single source of truth; the report holds no state of its own.
func ReportFor(m *manifest.Manifest) *RunReport {
	r := &RunReport{
		RunID:           m.RunID,
		PipelineID:      m.PipelineID,
		Status:          m.Status,
		RowsProcessed:   m.RowsProcessed(),
		ChunksTotal:     len(m.Entries),
		ChunksCommitted: m.CommittedChunks(),
		ChunksFailed:    m.FailedChunks(),
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		Duration:        m.Duration(),
	}
	for _, e := range m.Entries {
		if e.Status == manifest.ChunkFailed {
			r.FailedChunks = append(r.FailedChunks, FailedChunk{
				ChunkIndex: e.ChunkIndex,
				Error:      e.Error,
			})
		}
	}
	return r
}
