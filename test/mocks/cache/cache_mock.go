// Package cache provides an in-memory execution cache keyed by
// correlation id, mirroring the redis-backed one.
package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stackwise/dcavault/internal/types"
	"github.com/stackwise/dcavault/storage"
)

type FakeCache struct {
	mu        sync.Mutex
	snapshots map[uuid.UUID]types.ExecutionSnapshot
}

func NewFakeCache() *FakeCache {
	return &FakeCache{snapshots: make(map[uuid.UUID]types.ExecutionSnapshot)}
}

func (f *FakeCache) SetExecutionSnapshot(ctx context.Context, snapshot types.ExecutionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snapshot.CorrelationID] = snapshot
	return nil
}

func (f *FakeCache) GetExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) (types.ExecutionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[correlationID]
	if !ok {
		return types.ExecutionSnapshot{}, storage.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (f *FakeCache) DeleteExecutionSnapshot(ctx context.Context, correlationID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, correlationID)
	return nil
}

// Snapshots returns the currently stored snapshots, for assertions.
func (f *FakeCache) Snapshots() []types.ExecutionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.ExecutionSnapshot, 0, len(f.snapshots))
	for _, snapshot := range f.snapshots {
		out = append(out, snapshot)
	}
	return out
}
