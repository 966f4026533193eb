package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/objectql/objectos-sub008/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Values are copied on the way in and out, so callers never share maps with
// the store.
type MemoryStorage struct {
	definitions map[string][]types.WorkflowDefinition
	instances   map[string]*types.WorkflowInstance
	tasks       map[string]*types.WorkflowTask
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string][]types.WorkflowDefinition),
		instances:   make(map[string]*types.WorkflowInstance),
		tasks:       make(map[string]*types.WorkflowTask),
	}
}

// SaveDefinition saves a definition version to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, existing := range s.definitions[def.Name] {
			if existing.Version == def.Version {
				return struct{}{}, fmt.Errorf("%w: %s@%s", ErrDefinitionExists, def.Name, def.Version)
			}
		}
		s.definitions[def.Name] = append(s.definitions[def.Name], def)
		return struct{}{}, nil
	})
	return err
}

// GetDefinition retrieves a definition version from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, name, version string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		versions := s.definitions[name]
		if len(versions) == 0 {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: name=%s", ErrDefinitionNotFound, name)
		}
		if version == "" {
			return versions[len(versions)-1], nil
		}
		for _, def := range versions {
			if def.Version == version {
				return def, nil
			}
		}
		return types.WorkflowDefinition{}, fmt.Errorf("%w: name=%s version=%s", ErrDefinitionNotFound, name, version)
	})
}

// ListDefinitions returns the latest version of every stored definition.
func (s *MemoryStorage) ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		defs := make([]types.WorkflowDefinition, 0, len(s.definitions))
		for _, versions := range s.definitions {
			defs = append(defs, versions[len(versions)-1])
		}
		return defs, nil
	})
}

// SaveInstance saves a workflow instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrInstanceExists, inst.ID)
		}
		s.instances[inst.ID] = inst.Clone()
		return struct{}{}, nil
	})
	return err
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.WorkflowInstance{}, fmt.Errorf("%w: id=%s", ErrInstanceNotFound, id)
		}
		return *inst.Clone(), nil
	})
}

// UpdateInstance applies patch to a stored instance and returns the result.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, id string, patch types.InstancePatch) (types.WorkflowInstance, error) {
	return withContext(ctx, func() (types.WorkflowInstance, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.WorkflowInstance{}, fmt.Errorf("%w: id=%s", ErrInstanceNotFound, id)
		}
		updated := inst.Clone()
		patch.Apply(updated)
		updated = updated.Clone()
		s.instances[id] = updated
		return *updated.Clone(), nil
	})
}

// QueryInstances filters, sorts and pages instances in memory.
func (s *MemoryStorage) QueryInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		result := make([]types.WorkflowInstance, 0)
		for _, inst := range s.instances {
			if filter.Matches(inst) {
				result = append(result, *inst.Clone())
			}
		}
		s.mu.RUnlock()

		sortInstances(result, filter)
		return page(result, filter.Skip, filter.Limit), nil
	})
}

// SaveTask saves a task to memory.
func (s *MemoryStorage) SaveTask(ctx context.Context, task types.WorkflowTask) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.tasks[task.ID]; ok {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrTaskExists, task.ID)
		}
		s.tasks[task.ID] = task.Clone()
		return struct{}{}, nil
	})
	return err
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id string) (types.WorkflowTask, error) {
	return withContext(ctx, func() (types.WorkflowTask, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		task, ok := s.tasks[id]
		if !ok {
			return types.WorkflowTask{}, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
		}
		return *task.Clone(), nil
	})
}

// UpdateTask applies patch to a stored task and returns the result.
func (s *MemoryStorage) UpdateTask(ctx context.Context, id string, patch types.TaskPatch) (types.WorkflowTask, error) {
	return withContext(ctx, func() (types.WorkflowTask, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		task, ok := s.tasks[id]
		if !ok {
			return types.WorkflowTask{}, fmt.Errorf("%w: id=%s", ErrTaskNotFound, id)
		}
		updated := task.Clone()
		patch.Apply(updated)
		s.tasks[id] = updated
		return *updated.Clone(), nil
	})
}

// QueryTasks returns tasks matching filter ordered by creation time.
func (s *MemoryStorage) QueryTasks(ctx context.Context, filter types.TaskFilter) ([]types.WorkflowTask, error) {
	return withContext(ctx, func() ([]types.WorkflowTask, error) {
		s.mu.RLock()
		result := make([]types.WorkflowTask, 0)
		for _, task := range s.tasks {
			if filter.Matches(task) {
				result = append(result, *task.Clone())
			}
		}
		s.mu.RUnlock()

		sortTasks(result)
		return result, nil
	})
}
