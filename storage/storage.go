package storage

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/objectql/objectos-sub008/types"
)

// Errors
var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionExists   = errors.New("definition version already exists")
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrInstanceExists     = errors.New("instance already exists")
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskExists         = errors.New("task already exists")
)

// Storage is the persistence boundary of the workflow core. UpdateInstance is
// the single commit point of a transition and must fail with
// ErrInstanceNotFound when the instance does not exist.
type Storage interface {
	// SaveDefinition stores a definition version. It fails with
	// ErrDefinitionExists if the (name, version) pair is already stored.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition returns a definition version; an empty version selects the
	// most recently saved one.
	GetDefinition(ctx context.Context, name, version string) (types.WorkflowDefinition, error)

	// ListDefinitions returns the latest version of every definition.
	ListDefinitions(ctx context.Context) ([]types.WorkflowDefinition, error)

	// SaveInstance inserts a new instance. It fails with ErrInstanceExists if
	// the id is taken; later writes go through UpdateInstance.
	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (types.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, id string, patch types.InstancePatch) (types.WorkflowInstance, error)
	QueryInstances(ctx context.Context, filter types.InstanceFilter) ([]types.WorkflowInstance, error)

	// SaveTask inserts a new task. It fails with ErrTaskExists if the id is
	// taken.
	SaveTask(ctx context.Context, task types.WorkflowTask) error
	GetTask(ctx context.Context, id string) (types.WorkflowTask, error)
	UpdateTask(ctx context.Context, id string, patch types.TaskPatch) (types.WorkflowTask, error)
	QueryTasks(ctx context.Context, filter types.TaskFilter) ([]types.WorkflowTask, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// sortInstances orders instances by filter.SortBy (startedAt by default).
func sortInstances(list []types.WorkflowInstance, filter types.InstanceFilter) {
	desc := strings.EqualFold(string(filter.SortOrder), string(types.SortDesc))
	less := func(a, b *types.WorkflowInstance) bool {
		switch filter.SortBy {
		case types.SortByUpdatedAt:
			return a.UpdatedAt.Before(b.UpdatedAt)
		case types.SortByCompletedAt:
			return completedAt(a) < completedAt(b)
		case types.SortByDefinitionName:
			return a.DefinitionName < b.DefinitionName
		case types.SortByStatus:
			return a.Status < b.Status
		default:
			return a.StartedAt.Before(b.StartedAt)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if desc {
			return less(&list[j], &list[i])
		}
		return less(&list[i], &list[j])
	})
}

func completedAt(inst *types.WorkflowInstance) int64 {
	if inst.CompletedAt == nil {
		return 0
	}
	return inst.CompletedAt.UnixNano()
}

// page applies skip and limit; a non-positive limit means no limit.
func page[T any](list []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(list) {
			return []T{}
		}
		list = list[skip:]
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

func sortTasks(list []types.WorkflowTask) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
