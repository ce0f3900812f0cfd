package store

import (
	"context"
	"strconv"

	"github.com/bcrosbie/agentdispatch/internal/domain"
)

// RunStore is the persistence contract used by the service layer. It also serves
// the runner as its cache fetcher.
type RunStore interface {
	Load() error
	Close() error

	FetchCachedRun(ctx context.Context, key domain.CacheKey) (domain.AgentRun, bool, error)

	// GetOrCreateTaskGroup returns the group whose properties hash matches props,
	// creating it with the next iteration number for the task schema otherwise.
	GetOrCreateTaskGroup(ctx context.Context, taskID string, schemaID int, props domain.TaskGroupProperties) (domain.TaskGroup, bool, error)

	InsertRun(ctx context.Context, run domain.AgentRun) error
	GetRun(ctx context.Context, id string) (domain.AgentRun, error)
	ListRuns(ctx context.Context, filter domain.RunFilter) ([]domain.AgentRun, error)
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

// groupTags derives the searchable tags of a version from its properties.
func groupTags(props domain.TaskGroupProperties) []string {
	tags := []string{"model=" + props.Model}
	if props.Provider != "" {
		tags = append(tags, "provider="+props.Provider)
	}
	tags = append(tags, "temperature="+strconv.FormatFloat(props.Temperature, 'f', -1, 64))
	for _, tool := range props.EnabledTools {
		tags = append(tags, "tool="+tool)
	}
	return tags
}
