package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// FileStore keeps task groups and runs in a single JSON document. It suits local
// development and tests; production deployments use PostgresStore.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	state domain.State
	now   func() time.Time
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:  path,
		state: domain.EmptyState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return domain.Internal("failed to create data directory", err)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = domain.EmptyState()
			return s.persistLocked()
		}
		return domain.Internal("failed to read data file", err)
	}

	var parsed domain.State
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Internal("failed to parse data file", err)
	}

	s.state = withDefaults(parsed)
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) Snapshot() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

func (s *FileStore) Mutate(mutate func(*domain.State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneState(s.state)
	if err := mutate(&next); err != nil {
		return err
	}

	s.state = withDefaults(next)
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	serialized, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return domain.Internal("failed to serialize state", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, append(serialized, '\n'), 0o600); err != nil {
		return domain.Internal("failed to write temporary state file", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return domain.Internal("failed to atomically persist state file", err)
	}
	return nil
}

func withDefaults(state domain.State) domain.State {
	if state.TaskGroups == nil {
		state.TaskGroups = []domain.TaskGroup{}
	}
	if state.Runs == nil {
		state.Runs = []domain.AgentRun{}
	}
	return state
}

func cloneState(in domain.State) domain.State {
	raw, _ := json.Marshal(in)
	var out domain.State
	_ = json.Unmarshal(raw, &out)
	return withDefaults(out)
}

func (s *FileStore) FetchCachedRun(_ context.Context, key domain.CacheKey) (domain.AgentRun, bool, error) {
	state := s.Snapshot()
	groupHashes := make(map[string]string, len(state.TaskGroups))
	for _, group := range state.TaskGroups {
		groupHashes[group.ID] = group.Properties.Hash()
	}

	// Runs are appended in creation order, so the newest match is the last one.
	for _, run := range slices.Backward(state.Runs) {
		if run.TaskID != key.TaskID || run.TaskSchemaID != key.SchemaID || run.TaskInputHash != key.InputHash {
			continue
		}
		if key.GroupHash != "" && groupHashes[run.GroupID] != key.GroupHash {
			continue
		}
		if key.SuccessOnly && run.Status != domain.RunStatusSuccess {
			continue
		}
		return run, true, nil
	}
	return domain.AgentRun{}, false, nil
}

func (s *FileStore) GetOrCreateTaskGroup(_ context.Context, taskID string, schemaID int, props domain.TaskGroupProperties) (domain.TaskGroup, bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.TaskGroup{}, false, domain.InvalidArgument("task_id is required")
	}
	props = props.Sanitized()
	hash := props.Hash()

	var group domain.TaskGroup
	created := false
	err := s.Mutate(func(state *domain.State) error {
		iteration := 0
		for _, item := range state.TaskGroups {
			if item.TaskID != taskID || item.TaskSchemaID != schemaID {
				continue
			}
			if item.Properties.Hash() == hash {
				group = item
				return nil
			}
			iteration = max(iteration, item.Iteration)
		}
		group = domain.TaskGroup{
			ID:           uuid.NewString(),
			TaskID:       taskID,
			TaskSchemaID: schemaID,
			Iteration:    iteration + 1,
			Properties:   props,
			Tags:         groupTags(props),
			CreatedAt:    s.now().Format(time.RFC3339Nano),
		}
		state.TaskGroups = append(state.TaskGroups, group)
		created = true
		return nil
	})
	if err != nil {
		return domain.TaskGroup{}, false, err
	}
	return group, created, nil
}

func (s *FileStore) InsertRun(_ context.Context, run domain.AgentRun) error {
	if strings.TrimSpace(run.ID) == "" {
		return domain.InvalidArgument("run id is required")
	}
	return s.Mutate(func(state *domain.State) error {
		for _, item := range state.Runs {
			if item.ID == run.ID {
				return domain.Conflict("run " + run.ID + " already exists")
			}
		}
		state.Runs = append(state.Runs, run)
		return nil
	})
}

func (s *FileStore) GetRun(_ context.Context, id string) (domain.AgentRun, error) {
	id = strings.TrimSpace(id)
	for _, run := range s.Snapshot().Runs {
		if run.ID == id {
			return run, nil
		}
	}
	return domain.AgentRun{}, domain.NotFound("run " + id + " was not found")
}

// ListRuns returns matching runs, newest first.
func (s *FileStore) ListRuns(_ context.Context, filter domain.RunFilter) ([]domain.AgentRun, error) {
	limit := normalizeLimit(filter.Limit)
	items := s.Snapshot().Runs
	out := make([]domain.AgentRun, 0, min(len(items), limit))
	for _, item := range slices.Backward(items) {
		if filter.TaskID != "" && item.TaskID != filter.TaskID {
			continue
		}
		if filter.TaskSchemaID > 0 && item.TaskSchemaID != filter.TaskSchemaID {
			continue
		}
		if filter.GroupID != "" && item.GroupID != filter.GroupID {
			continue
		}
		if filter.Status != "" && string(item.Status) != filter.Status {
			continue
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
