// Package manifest defines the per-run chunk ledger and its object-store
// persistence. The manifest is the single source of truth for a run: chunk
// statuses, shard locations, and row counts all live here, and every status
// the system reports is a projection of it.
package manifest

import (
	"time"

	"github.com/relaydata/relay/pkg/errors"
)

// ChunkStatus is the lifecycle state of one chunk
type ChunkStatus string

const (
	// ChunkPending means the chunk was sealed and dispatched but its write
	// has not resolved
	ChunkPending ChunkStatus = "pending"
	// ChunkCommitted means the shard upload succeeded
	ChunkCommitted ChunkStatus = "committed"
	// ChunkFailed means the shard upload exhausted its retries
	ChunkFailed ChunkStatus = "failed"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	RunCreated        RunStatus = "created"
	RunRunning        RunStatus = "running"
	RunSuccess        RunStatus = "success"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
)

// Terminal reports whether a run status admits no further transitions
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunPartialSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Completed reports whether the run produced queryable data
func (s RunStatus) Completed() bool {
	return s == RunSuccess || s == RunPartialSuccess
}

// Entry is the ledger record for one chunk
type Entry struct {
	ChunkIndex int         `json:"chunk_index"`
	Status     ChunkStatus `json:"status"`
	// FilePath is the object-store key of the shard
	FilePath string `json:"file_path"`
	RowCount int64  `json:"row_count"`
	// Error carries the terminal failure message for failed chunks
	Error       string     `json:"error,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

// Manifest is the append-only chunk ledger of one run
type Manifest struct {
	PipelineID string    `json:"pipeline_id"`
	RunID      string    `json:"run_id"`
	Relation   string    `json:"relation"`
	Status     RunStatus `json:"status"`
	// Schema records the column names of the run, in shard order
	Columns     []string   `json:"columns,omitempty"`
	Entries     []Entry    `json:"entries"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a manifest in the created state
func New(pipelineID, runID, relation string) *Manifest {
	return &Manifest{
		PipelineID: pipelineID,
		RunID:      runID,
		Relation:   relation,
		Status:     RunCreated,
		StartedAt:  time.Now().UTC(),
	}
}

// Start transitions the run to running
func (m *Manifest) Start() error {
	if m.Status != RunCreated {
		return errors.Newf(errors.ErrorTypeInternal, "cannot start run in status %s", m.Status)
	}
	m.Status = RunRunning
	return nil
}

// AppendPending records a newly dispatched chunk. Indices must arrive in
// order, contiguous from zero.
func (m *Manifest) AppendPending(chunkIndex int, filePath string, rowCount int64) error {
	if chunkIndex != len(m.Entries) {
		return errors.Newf(errors.ErrorTypeInternal, "non-contiguous chunk index %d, expected %d",
			chunkIndex, len(m.Entries))
	}
	m.Entries = append(m.Entries, Entry{
		ChunkIndex: chunkIndex,
		Status:     ChunkPending,
		FilePath:   filePath,
		RowCount:   rowCount,
	})
	return nil
}

// Commit resolves a pending chunk as committed
func (m *Manifest) Commit(chunkIndex int) error {
	entry, err := m.pending(chunkIndex)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	entry.Status = ChunkCommitted
	entry.CommittedAt = &now
	return nil
}

// Fail resolves a pending chunk as failed
func (m *Manifest) Fail(chunkIndex int, cause string) error {
	entry, err := m.pending(chunkIndex)
	if err != nil {
		return err
	}
	entry.Status = ChunkFailed
	entry.Error = cause
	return nil
}

func (m *Manifest) pending(chunkIndex int) (*Entry, error) {
	if chunkIndex < 0 || chunkIndex >= len(m.Entries) {
		return nil, errors.Newf(errors.ErrorTypeInternal, "unknown chunk index %d", chunkIndex)
	}
	entry := &m.Entries[chunkIndex]
	if entry.Status != ChunkPending {
		return nil, errors.Newf(errors.ErrorTypeInternal, "chunk %d already resolved to %s",
			chunkIndex, entry.Status)
	}
	return entry, nil
}

// Complete derives and sets the terminal status from the resolved entries.
// cancelled wins over everything; otherwise all-committed is success, a mix
// is partial success, and zero committed chunks out of a non-empty ledger is
// failure. An empty ledger is a trivial success (zero-row source).
func (m *Manifest) Complete(cancelled bool) RunStatus {
	now := time.Now().UTC()
	m.CompletedAt = &now

	switch {
	case cancelled:
		m.Status = RunCancelled
	case len(m.Entries) == 0:
		m.Status = RunSuccess
	case m.FailedChunks() == 0:
		m.Status = RunSuccess
	case m.CommittedChunks() == 0:
		m.Status = RunFailed
	default:
		m.Status = RunPartialSuccess
	}
	return m.Status
}

// Abort marks the run failed regardless of chunk outcomes. Used when the
// source itself fails mid-run: committed chunks stay in the ledger but the
// run is not queryable.
func (m *Manifest) Abort() {
	now := time.Now().UTC()
	m.CompletedAt = &now
	m.Status = RunFailed
}

// CommittedEntries returns the committed chunks in index order
func (m *Manifest) CommittedEntries() []Entry {
	entries := make([]Entry, 0, len(m.Entries))
	for _, e := range m.Entries {
		if e.Status == ChunkCommitted {
			entries = append(entries, e)
		}
	}
	return entries
}

// CommittedChunks counts committed entries
func (m *Manifest) CommittedChunks() int {
	n := 0
	for _, e := range m.Entries {
		if e.Status == ChunkCommitted {
			n++
		}
	}
	return n
}

// FailedChunks counts failed entries
func (m *Manifest) FailedChunks() int {
	n := 0
	for _, e := range m.Entries {
		if e.Status == ChunkFailed {
			n++
		}
	}
	return n
}

// RowsProcessed sums the row counts of committed chunks. Failed chunk rows
// are never counted.
func (m *Manifest) RowsProcessed() int64 {
	var rows int64
	for _, e := range m.Entries {
		if e.Status == ChunkCommitted {
			rows += e.RowCount
		}
	}
	return rows
}

// Duration returns the run duration, or the elapsed time for live runs
func (m *Manifest) Duration() time.Duration {
	if m.CompletedAt != nil {
		return m.CompletedAt.Sub(m.StartedAt)
	}
	return time.Since(m.StartedAt)
}
