package manifest

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relaydata/relay/pkg/errors"
	"github.com/relaydata/relay/pkg/objectstore"
)

const (
	manifestDir = "_manifests"
	lockDir     = "_locks"
)

// Store persists manifests and run locks as JSON documents in the object
// store, under <prefix>/_manifests/<pipeline>/<run>.json and
// <prefix>/_locks/<pipeline>.json. Durability comes from the store itself:
// a restarted engine sees the same ledger and the same lock.
type Store struct {
	store  objectstore.Store
	prefix string
}

// NewStore creates a manifest store rooted at prefix
func NewStore(store objectstore.Store, prefix string) *Store {
	return &Store{store: store, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) manifestKey(pipelineID, runID string) string {
	return path.Join(s.prefix, manifestDir, pipelineID, runID+".json")
}

func (s *Store) lockKey(pipelineID string) string {
	return path.Join(s.prefix, lockDir, pipelineID+".json")
}

// Save writes the manifest document, replacing any previous version
func (s *Store) Save(ctx context.Context, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode manifest")
	}
	if err := s.store.Put(ctx, s.manifestKey(m.PipelineID, m.RunID), data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeChunkWriteFailed, "failed to persist manifest").
			WithDetail("pipeline_id", m.PipelineID).
			WithDetail("run_id", m.RunID)
	}
	return nil
}

// Load reads one run's manifest
func (s *Store) Load(ctx context.Context, pipelineID, runID string) (*Manifest, error) {
	data, err := s.store.Get(ctx, s.manifestKey(pipelineID, runID))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "manifest not found").
			WithDetail("pipeline_id", pipelineID).
			WithDetail("run_id", runID)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode manifest")
	}
	return &m, nil
}

// List returns all manifests of a pipeline, oldest first
func (s *Store) List(ctx context.Context, pipelineID string) ([]*Manifest, error) {
	keys, err := s.store.List(ctx, path.Join(s.prefix, manifestDir, pipelineID)+"/")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to list manifests")
	}

	manifests := make([]*Manifest, 0, len(keys))
	for _, key := range keys {
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to read manifest").
				WithDetail("key", key)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode manifest").
				WithDetail("key", key)
		}
		manifests = append(manifests, &m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].StartedAt.Before(manifests[j].StartedAt)
	})
	return manifests, nil
}

// LatestCompleted returns the most recent manifest whose run completed
// (success or partial success), or nil when the pipeline has none
func (s *Store) LatestCompleted(ctx context.Context, pipelineID string) (*Manifest, error) {
	manifests, err := s.List(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	var latest *Manifest
	for _, m := range manifests {
		if m.Status.Completed() {
			latest = m
		}
	}
	return latest, nil
}

// runLock is the advisory lock document serializing runs per pipeline
type runLock struct {
	PipelineID string    `json:"pipeline_id"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// AcquireLock takes the per-pipeline run lock for runID. A live lock held
// by another run yields a conflict error; an expired lock is reclaimed, so
// a crashed engine cannot wedge its pipeline forever.
func (s *Store) AcquireLock(ctx context.Context, pipelineID, runID string, ttl time.Duration) error {
	key := s.lockKey(pipelineID)

	if data, err := s.store.Get(ctx, key); err == nil {
		var held runLock
		if err := json.Unmarshal(data, &held); err == nil {
			if held.RunID != runID && time.Now().Before(held.ExpiresAt) {
				return errors.Newf(errors.ErrorTypeConflict, "pipeline %s already has an active run", pipelineID).
					WithDetail("holder_run_id", held.RunID).
					WithDetail("expires_at", held.ExpiresAt)
			}
		}
	}

	lock := runLock{
		PipelineID: pipelineID,
		RunID:      runID,
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode run lock")
	}
	if err := s.store.Put(ctx, key, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to persist run lock")
	}
	return nil
}

// ReleaseLock drops the run lock if runID still holds it
func (s *Store) ReleaseLock(ctx context.Context, pipelineID, runID string) error {
	key := s.lockKey(pipelineID)

	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil // already released
	}
	var held runLock
	if err := json.Unmarshal(data, &held); err == nil && held.RunID != runID {
		return nil // someone else reclaimed it
	}
	return s.store.Delete(ctx, key)
}
