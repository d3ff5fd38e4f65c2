package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/stepflow/types"
)

type memoryEntry struct {
	version int64
	status  types.Status
	data    []byte
}

// MemoryStore is an in-memory RunStore. Snapshots are kept encoded, so a
// loaded run never aliases the caller's copy and goes through the same
// serialization round trip as a durable store.
type MemoryStore struct {
	runs  map[string]memoryEntry
	codec Codec
	mu    sync.RWMutex
}

// NewMemoryStore creates a MemoryStore. A nil codec means JSON.
func NewMemoryStore(codec Codec) *MemoryStore {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &MemoryStore{
		runs:  make(map[string]memoryEntry),
		codec: codec,
	}
}

func (s *MemoryStore) encode(run types.RunState) (memoryEntry, error) {
	data, err := s.codec.Marshal(run)
	if err != nil {
		return memoryEntry{}, fmt.Errorf("failed to encode run %s: %w", run.RunID, err)
	}
	return memoryEntry{version: run.Version, status: run.Status, data: data}, nil
}

// Save stores the run unconditionally.
func (s *MemoryStore) Save(ctx context.Context, run types.RunState) error {
	return withContextError(ctx, func() error {
		entry, err := s.encode(run)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.runs[run.RunID] = entry
		return nil
	})
}

// Load retrieves a run from memory.
func (s *MemoryStore) Load(ctx context.Context, runID string) (types.RunState, error) {
	return withContext(ctx, func() (types.RunState, error) {
		s.mu.RLock()
		entry, ok := s.runs[runID]
		s.mu.RUnlock()
		if !ok {
			return types.RunState{}, fmt.Errorf("%w: id=%s", ErrRunNotFound, runID)
		}
		run, err := s.codec.Unmarshal(entry.data)
		if err != nil {
			return types.RunState{}, fmt.Errorf("failed to decode run %s: %w", runID, err)
		}
		return run, nil
	})
}

// Delete removes a run from memory.
func (s *MemoryStore) Delete(ctx context.Context, runID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.runs, runID)
		return nil
	})
}

// CompareAndSwap stores the run if the current version matches.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, run types.RunState, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		entry, err := s.encode(run)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		current, exists := s.runs[run.RunID]
		switch {
		case expectedVersion == 0 && exists:
			return fmt.Errorf("%w: run %s already exists", ErrConflict, run.RunID)
		case expectedVersion != 0 && !exists:
			return fmt.Errorf("%w: id=%s", ErrRunNotFound, run.RunID)
		case exists && current.version != expectedVersion:
			return fmt.Errorf("%w: run %s at version %d, expected %d", ErrConflict, run.RunID, current.version, expectedVersion)
		}
		s.runs[run.RunID] = entry
		return nil
	})
}

// ClearTerminal removes completed, bailed or failed runs.
func (s *MemoryStore) ClearTerminal(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, entry := range s.runs {
			if entry.status.Terminal() {
				delete(s.runs, id)
				removed++
			}
		}
		return removed, nil
	})
}

// Len reports the number of stored runs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
