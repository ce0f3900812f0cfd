package service

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/events"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/runner"
	"github.com/bcrosbie/agentdispatch/internal/store"
)

const (
	DefaultMaxRetries = 3
	maxRetryWait      = 30 * time.Second
	minRetryWait      = 500 * time.Millisecond
)

type AgentRunner interface {
	Run(ctx context.Context, req runner.Request) (domain.AgentRun, error)
	Stream(ctx context.Context, req runner.Request) iter.Seq2[runner.Chunk, error]
}

type ModelLister interface {
	List() []models.ModelData
}

type Config struct {
	Store       store.RunStore
	Runner      AgentRunner
	Models      ModelLister
	Events      *events.Dispatcher
	StoreDriver string
	// Providers lists the configured vendors, reported by Health.
	Providers  []models.Provider
	MaxRetries int
	Sleep      func(ctx context.Context, d time.Duration) error
}

// RunService validates run requests, resolves their task group, runs them with
// caller-level retries and persists the result.
type RunService struct {
	cfg Config
}

func NewRunService(cfg Config) *RunService {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &RunService{cfg: cfg}
}

type RunAgentRequest struct {
	TaskID         string                     `json:"task_id"`
	TaskSchemaID   int                        `json:"task_schema_id"`
	TaskName       string                     `json:"task_name"`
	TaskInput      map[string]any             `json:"task_input"`
	InputSchema    map[string]any             `json:"input_schema"`
	OutputSchema   map[string]any             `json:"output_schema"`
	Files          []domain.File              `json:"files"`
	Properties     domain.TaskGroupProperties `json:"properties"`
	UseCache       string                     `json:"use_cache"`
	Tools          []domain.Tool              `json:"tools"`
	CustomConfigID string                     `json:"custom_config_id"`
}

type ListRunsRequest struct {
	TaskID       string `json:"task_id"`
	TaskSchemaID int    `json:"task_schema_id"`
	GroupID      string `json:"group_id"`
	Status       string `json:"status"`
	Limit        int    `json:"limit"`
}

func (s *RunService) Health() map[string]any {
	providers := make([]string, 0, len(s.cfg.Providers))
	for _, provider := range s.cfg.Providers {
		providers = append(providers, string(provider))
	}
	return map[string]any{
		"status":    "ok",
		"store":     s.cfg.StoreDriver,
		"providers": providers,
		"time_utc":  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (s *RunService) ListModels() []models.ModelData {
	if s.cfg.Models == nil {
		return []models.ModelData{}
	}
	return s.cfg.Models.List()
}

// Run executes one agent run. A failed run is persisted and returned together with its error.
func (s *RunService) Run(ctx context.Context, request RunAgentRequest) (domain.AgentRun, error) {
	req, err := s.prepare(ctx, request)
	if err != nil {
		return domain.AgentRun{}, err
	}

	var run domain.AgentRun
	for attempt := 0; ; attempt++ {
		run, err = s.cfg.Runner.Run(ctx, req)
		wait, retry := s.retryDelay(err, attempt)
		if !retry {
			break
		}
		log.Printf("run retry task_id=%s attempt=%d wait=%s err=%v", req.TaskID, attempt+1, wait, err)
		if sleepErr := s.cfg.Sleep(ctx, wait); sleepErr != nil {
			break
		}
	}

	if run.ID != "" {
		s.persist(ctx, run)
	}
	return run, err
}

// Stream executes one agent run and hands every chunk to emit. Streamed runs are not
// retried since partial output has already reached the caller.
func (s *RunService) Stream(ctx context.Context, request RunAgentRequest, emit func(runner.Chunk) error) error {
	req, err := s.prepare(ctx, request)
	if err != nil {
		return err
	}
	for chunk, err := range s.cfg.Runner.Stream(ctx, req) {
		if err != nil {
			return err
		}
		if chunk.Final != nil && chunk.Final.ID != "" {
			s.persist(ctx, *chunk.Final)
		}
		if err := emit(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *RunService) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.AgentRun{}, domain.InvalidArgument("id is required")
	}
	return s.cfg.Store.GetRun(ctx, id)
}

func (s *RunService) ListRuns(ctx context.Context, request ListRunsRequest) ([]domain.AgentRun, error) {
	status := strings.TrimSpace(request.Status)
	if status != "" && status != string(domain.RunStatusSuccess) && status != string(domain.RunStatusFailure) {
		return nil, domain.InvalidArgument("status must be one of: success, failure")
	}
	if request.Limit < 0 {
		return nil, domain.InvalidArgument("limit must be non-negative")
	}
	return s.cfg.Store.ListRuns(ctx, domain.RunFilter{
		TaskID:       strings.TrimSpace(request.TaskID),
		TaskSchemaID: request.TaskSchemaID,
		GroupID:      strings.TrimSpace(request.GroupID),
		Status:       status,
		Limit:        request.Limit,
	})
}

func (s *RunService) prepare(ctx context.Context, request RunAgentRequest) (runner.Request, error) {
	taskID := strings.TrimSpace(request.TaskID)
	if taskID == "" {
		return runner.Request{}, domain.InvalidArgument("task_id is required")
	}
	if request.TaskSchemaID <= 0 {
		return runner.Request{}, domain.InvalidArgument("task_schema_id must be positive")
	}
	if request.TaskInput == nil {
		return runner.Request{}, domain.InvalidArgument("task_input is required")
	}
	props := request.Properties.Sanitized()
	if props.Model == "" {
		return runner.Request{}, domain.InvalidArgument("properties.model is required")
	}
	if props.Temperature < 0 || props.Temperature > 2 {
		return runner.Request{}, domain.InvalidArgument("properties.temperature must be between 0 and 2")
	}
	policy, err := runner.ParseCachePolicy(request.UseCache)
	if err != nil {
		return runner.Request{}, err
	}

	group, created, err := s.cfg.Store.GetOrCreateTaskGroup(ctx, taskID, request.TaskSchemaID, props)
	if err != nil {
		return runner.Request{}, fmt.Errorf("resolve task group: %w", err)
	}
	if created {
		s.cfg.Events.Emit(ctx, events.Event{
			Kind:   events.KindTaskGroupSaved,
			TaskID: taskID,
			Payload: map[string]any{
				"group_id":       group.ID,
				"task_schema_id": group.TaskSchemaID,
				"iteration":      group.Iteration,
				"model":          group.Properties.Model,
			},
		})
	}

	return runner.Request{
		TaskID:         taskID,
		TaskSchemaID:   request.TaskSchemaID,
		TaskName:       strings.TrimSpace(request.TaskName),
		Input:          request.TaskInput,
		InputSchema:    request.InputSchema,
		OutputSchema:   request.OutputSchema,
		Files:          request.Files,
		Properties:     props,
		GroupID:        group.ID,
		Iteration:      group.Iteration,
		CachePolicy:    policy,
		Tools:          request.Tools,
		CustomConfigID: strings.TrimSpace(request.CustomConfigID),
	}, nil
}

// retryDelay reports whether err is worth running the whole request again and how long to wait.
func (s *RunService) retryDelay(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= s.cfg.MaxRetries {
		return 0, false
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok || !providerErr.Retryable() {
		return 0, false
	}
	wait := providerErr.RetryAfter
	if wait <= 0 {
		wait = minRetryWait * time.Duration(attempt+1)
	}
	return min(wait, maxRetryWait), true
}

// persist stores a live run and announces it. Cached runs are already stored.
func (s *RunService) persist(ctx context.Context, run domain.AgentRun) {
	if run.FromCache {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.cfg.Store.InsertRun(ctx, run); err != nil {
		log.Printf("run persist failed run_id=%s task_id=%s err=%v", run.ID, run.TaskID, err)
		return
	}
	s.cfg.Events.Emit(ctx, events.Event{
		Kind:   events.KindRunCreated,
		TaskID: run.TaskID,
		Payload: map[string]any{
			"run_id":   run.ID,
			"group_id": run.GroupID,
			"status":   string(run.Status),
			"cost_usd": run.CostUSD,
		},
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
