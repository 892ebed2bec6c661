package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stef9github/flowcore/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Mutations on the same instance are serialized by a per-instance mutex.
type MemoryStorage struct {
	definitions map[uint64]types.Definition
	instances   map[uint64]types.Instance
	history     map[uint64][]types.HistoryEntry
	locks       map[uint64]*sync.Mutex
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.Definition),
		instances:   make(map[uint64]types.Instance),
		history:     make(map[uint64][]types.HistoryEntry),
		locks:       make(map[uint64]*sync.Mutex),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.definitions, id, ErrDefinitionNotFound)
}

// CreateInstance stores the instance, its creation entry and the usage
// count bump under a single lock acquisition.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.Instance, entry types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("instance %d already exists", inst.ID)
		}
		def, ok := s.definitions[inst.DefinitionID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrDefinitionNotFound, inst.DefinitionID)
		}
		def.UsageCount++
		s.definitions[def.ID] = def
		s.instances[inst.ID] = inst
		s.history[inst.ID] = append(s.history[inst.ID], entry)
		return nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.instances, id, ErrInstanceNotFound)
}

// instanceLock returns the mutex serializing mutations of one instance.
func (s *MemoryStorage) instanceLock(id uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// Mutate applies fn to the instance under its per-instance lock.
func (s *MemoryStorage) Mutate(ctx context.Context, instanceID uint64, fn MutateFunc) error {
	return withContextError(ctx, func() error {
		lock := s.instanceLock(instanceID)
		lock.Lock()
		defer lock.Unlock()

		s.mu.RLock()
		inst, ok := s.instances[instanceID]
		s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}

		entry, fnErr := fn(&inst)
		if entry == nil {
			return fnErr
		}

		s.mu.Lock()
		s.instances[instanceID] = inst
		s.history[instanceID] = append(s.history[instanceID], *entry)
		s.mu.Unlock()
		return fnErr
	})
}

// ListInstances returns matching instances ordered newest-created-first.
func (s *MemoryStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		var out []types.Instance
		for _, inst := range s.instances {
			if filter.AssignedTo != "" && inst.AssignedTo != filter.AssignedTo {
				continue
			}
			if filter.OrganizationID != 0 && inst.OrganizationID != filter.OrganizationID {
				continue
			}
			if filter.Status != "" && inst.Status != filter.Status {
				continue
			}
			out = append(out, inst)
		}
		s.mu.RUnlock()

		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt != out[j].CreatedAt {
				return out[i].CreatedAt > out[j].CreatedAt
			}
			return out[i].ID > out[j].ID
		})

		if filter.Offset > 0 {
			if filter.Offset >= len(out) {
				return nil, nil
			}
			out = out[filter.Offset:]
		}
		if filter.Limit > 0 && filter.Limit < len(out) {
			out = out[:filter.Limit]
		}
		return out, nil
	})
}

// ListHistory returns history entries for an instance, newest first.
func (s *MemoryStorage) ListHistory(ctx context.Context, instanceID uint64, limit int) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		s.mu.RLock()
		entries := s.history[instanceID]
		out := make([]types.HistoryEntry, len(entries))
		copy(out, entries)
		s.mu.RUnlock()

		// Stored oldest-first; reverse for newest-first.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		if limit > 0 && limit < len(out) {
			out = out[:limit]
		}
		return out, nil
	})
}

// Ensure MemoryStorage implements Storage.
var _ Storage = (*MemoryStorage)(nil)
