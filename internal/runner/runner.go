// Package runner executes one agent run: cache lookup, prompt rendering, provider dispatch,
// internal tool recursion and run assembly.
package runner

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/cost"
	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/pipeline"
	"github.com/bcrosbie/agentdispatch/internal/providers"
	"github.com/bcrosbie/agentdispatch/internal/templates"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const DefaultMaxToolIterations = 5

var errConsumerGone = errors.New("stream consumer stopped")

type ModelSource interface {
	ModelData(model models.Model, allowed ...models.Provider) (models.ModelData, error)
}

type Config struct {
	Models            ModelSource
	Factory           pipeline.Factory
	Cache             RunCacheFetcher
	Costs             *cost.Calculator
	Tools             *ToolRegistry
	MaxToolIterations int
	RoundRobin        []models.Provider
	Reporter          pipeline.ErrorReporter
	Shuffle           func(n int, swap func(i, j int))
	Now               func() time.Time
	NewID             func() string
}

type Runner struct {
	cfg Config
}

func New(cfg Config) *Runner {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	return &Runner{cfg: cfg}
}

type Request struct {
	TaskID       string
	TaskSchemaID int
	TaskName     string
	Input        map[string]any
	InputSchema  map[string]any
	OutputSchema map[string]any
	Files        []domain.File
	Properties   domain.TaskGroupProperties
	GroupID      string
	Iteration    int
	CachePolicy  CachePolicy
	// Tools are client side: requests for them end the run and are returned to the caller.
	Tools          []domain.Tool
	CustomConfigID string
}

// Chunk is one streamed update. The last chunk carries the assembled run.
type Chunk struct {
	RunID     string                   `json:"id"`
	Output    map[string]any           `json:"task_output,omitempty"`
	Delta     string                   `json:"delta,omitempty"`
	Reasoning string                   `json:"reasoning,omitempty"`
	ToolCalls []domain.ToolCallRequest `json:"tool_calls,omitempty"`
	Final     *domain.AgentRun         `json:"run,omitempty"`
}

// Run executes the request. A failed run is returned together with its error.
func (r *Runner) Run(ctx context.Context, req Request) (domain.AgentRun, error) {
	return r.execute(ctx, req, nil)
}

// Stream executes the request and yields partial outputs. Breaking out of the loop
// cancels the in-flight provider call.
func (r *Runner) Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		emit := func(chunk Chunk) error {
			if stopped {
				return errConsumerGone
			}
			if !yield(chunk, nil) {
				stopped = true
				return errConsumerGone
			}
			return nil
		}
		run, err := r.execute(ctx, req, emit)
		if stopped || errors.Is(err, errConsumerGone) {
			return
		}
		if err != nil && run.ID == "" {
			yield(Chunk{}, err)
			return
		}
		final := run
		if !yield(Chunk{RunID: run.ID, Output: run.TaskOutput, Final: &final}, nil) {
			return
		}
		if err != nil {
			yield(Chunk{}, err)
		}
	}
}

// runState collects what the attempts produce.
type runState struct {
	id             string
	output         map[string]any
	completions    []domain.LLMCompletion
	toolCalls      []domain.ToolCallResult
	toolRequests   []domain.ToolCallRequest
	reasoningSteps []string
}

func (r *Runner) execute(ctx context.Context, req Request, emit func(Chunk) error) (domain.AgentRun, error) {
	started := r.cfg.Now()
	props := req.Properties.Sanitized()
	if strings.TrimSpace(props.Model) == "" {
		return domain.AgentRun{}, domain.InvalidArgument("model is required")
	}
	model := models.Model(props.Model)

	var allowed []models.Provider
	var forced models.Provider
	if props.Provider != "" {
		provider, ok := models.ParseProvider(props.Provider)
		if !ok {
			return domain.AgentRun{}, domain.InvalidArgument(fmt.Sprintf("unknown provider %q", props.Provider))
		}
		allowed = []models.Provider{provider}
		forced = provider
	}
	modelData, err := r.cfg.Models.ModelData(model, allowed...)
	if err != nil {
		return domain.AgentRun{}, err
	}

	internal := r.cfg.Tools.Enabled(props.Instructions, props.EnabledTools)
	tools := make([]domain.Tool, 0, len(internal)+len(req.Tools))
	for _, tool := range internal {
		tools = append(tools, tool.Definition)
	}
	tools = append(tools, req.Tools...)

	if reason := modelData.IsNotSupportedReason(models.NewTaskTypology(req.Files, len(tools) > 0)); reason != "" {
		return domain.AgentRun{}, domain.ModelDoesNotSupportMode(reason)
	}

	inputHash := domain.HashJSON(req.Input)
	if cached, ok, err := r.fromCache(ctx, req, props, inputHash, len(tools) > 0); err != nil {
		return domain.AgentRun{}, err
	} else if ok {
		return cached, nil
	}

	state := &runState{id: r.cfg.NewID()}
	pl := pipeline.New(pipeline.Config{
		ModelData: modelData,
		Options: providers.Options{
			Temperature:  props.Temperature,
			MaxTokens:    props.MaxTokens,
			Tools:        tools,
			OutputSchema: req.OutputSchema,
			TaskName:     req.TaskName,
		},
		Factory:              r.cfg.Factory,
		CustomConfigID:       req.CustomConfigID,
		ForcedProvider:       forced,
		StructuredGeneration: props.StructuredGeneration,
		TemplateName:         templates.Name(props.TemplateName),
		ToolUse:              len(tools) > 0,
		RoundRobin:           r.cfg.RoundRobin,
		Shuffle:              r.cfg.Shuffle,
		Reporter:             r.cfg.Reporter,
	})

	succeeded := false
	var runErr error
	for data := range pl.Attempts() {
		ok, err := pl.Call(data, func() error {
			return r.attempt(ctx, req, props, data, internal, state, emit)
		})
		if ok {
			succeeded = true
			break
		}
		if err != nil {
			runErr = err
			break
		}
	}
	if !succeeded && runErr == nil {
		runErr = pl.Err()
	}
	if errors.Is(runErr, errConsumerGone) {
		return domain.AgentRun{}, runErr
	}
	return r.assemble(req, inputHash, state, started, runErr), runErr
}

func (r *Runner) fromCache(ctx context.Context, req Request, props domain.TaskGroupProperties, inputHash string, hasTools bool) (domain.AgentRun, bool, error) {
	policy := req.CachePolicy
	if policy == "" {
		policy = CacheAuto
	}
	if !ShouldUseCache(policy, props.Temperature, hasTools) {
		return domain.AgentRun{}, false, nil
	}
	if r.cfg.Cache != nil {
		run, ok, err := r.cfg.Cache.FetchCachedRun(ctx, domain.CacheKey{
			TaskID:      req.TaskID,
			SchemaID:    req.TaskSchemaID,
			InputHash:   inputHash,
			GroupHash:   props.Hash(),
			SuccessOnly: true,
		})
		if err != nil {
			return domain.AgentRun{}, false, fmt.Errorf("fetch cached run: %w", err)
		}
		if ok {
			run.FromCache = true
			return run, true, nil
		}
	}
	if policy == CacheOnly {
		return domain.AgentRun{}, false, domain.MissingCache("no cached run for this input and version")
	}
	return domain.AgentRun{}, false, nil
}

// attempt runs one provider attempt including internal tool round trips.
func (r *Runner) attempt(ctx context.Context, req Request, props domain.TaskGroupProperties, data pipeline.ProviderData, internal []InternalTool, state *runState, emit func(Chunk) error) error {
	messages, err := buildMessages(data.TemplateName, req, props)
	if err != nil {
		return err
	}

	for iteration := 0; ; iteration++ {
		out, err := r.invoke(ctx, data, messages, state.id, emit)
		if err != nil {
			return err
		}
		state.completions = append(state.completions, r.completion(data, messages, out))
		state.reasoningSteps = append(state.reasoningSteps, out.ReasoningSteps...)

		var local, client []domain.ToolCallRequest
		for _, call := range out.ToolCalls {
			if _, ok := findTool(internal, call.ToolName); ok {
				local = append(local, call)
			} else {
				client = append(client, call)
			}
		}

		if len(local) == 0 {
			if len(client) > 0 {
				// text next to a client tool call is usually prose; keep it only when it is an object
				state.toolRequests = client
				if output, err := parseOutput(out.Text); err == nil {
					state.output = output
				}
				return nil
			}
			output, err := parseOutput(out.Text)
			if err != nil {
				if providerErr, ok := domain.AsProviderError(err); ok {
					providerErr.Provider = string(data.Provider.Name())
					providerErr.ConfigID = data.Provider.ConfigID()
				}
				return err
			}
			state.output = output
			return nil
		}

		if iteration >= r.cfg.MaxToolIterations {
			return domain.MaxToolCallIteration(r.cfg.MaxToolIterations)
		}
		results := executeTools(ctx, internal, local)
		state.toolCalls = append(state.toolCalls, results...)
		messages = append(messages,
			domain.Message{Role: domain.RoleAssistant, Content: out.Text, ToolCallRequests: local},
			domain.Message{Role: domain.RoleUser, ToolCallResults: results},
		)
	}
}

func (r *Runner) invoke(ctx context.Context, data pipeline.ProviderData, messages []domain.Message, runID string, emit func(Chunk) error) (providers.Output, error) {
	if emit == nil {
		return data.Provider.Complete(ctx, messages, data.Options)
	}

	var text strings.Builder
	placeholders := map[int]domain.ToolCallRequest{}
	for delta, err := range data.Provider.Stream(ctx, messages, data.Options) {
		if err != nil {
			return providers.Output{}, err
		}
		if delta.Final != nil {
			return *delta.Final, nil
		}

		chunk := Chunk{RunID: runID, Delta: delta.Text, Reasoning: delta.Reasoning}
		if delta.Text != "" {
			text.WriteString(delta.Text)
			if partial, ok := parsePartialJSON(text.String()); ok {
				chunk.Output = partial
			}
		}
		for _, call := range delta.ToolCalls {
			current := placeholders[call.Index]
			if call.ID != "" {
				current.ID = call.ID
			}
			if call.ToolName != "" {
				current.ToolName = call.ToolName
			}
			placeholders[call.Index] = current
			chunk.ToolCalls = append(chunk.ToolCalls, current)
		}
		if err := emit(chunk); err != nil {
			return providers.Output{}, err
		}
	}
	return providers.Output{}, domain.NewProviderError(domain.CodeUnknownProviderError, "stream ended without a final response").
		WithDetail("provider", string(data.Provider.Name()))
}

func (r *Runner) completion(data pipeline.ProviderData, messages []domain.Message, out providers.Output) domain.LLMCompletion {
	usage := out.Usage
	if usage.PromptTokenCount == 0 {
		usage.PromptTokenCount = data.Provider.CountPromptTokens(messages)
	}
	if usage.CompletionTokenCount == 0 {
		usage.CompletionTokenCount = data.Provider.CountCompletionTokens(out.Text)
	}
	if usage.PromptCharacterCount == 0 {
		usage.PromptCharacterCount = data.Provider.CountPromptCharacters(messages)
	}
	if usage.CompletionCharacterCount == 0 {
		usage.CompletionCharacterCount = data.Provider.CountCompletionCharacters(out.Text)
	}

	completion := domain.LLMCompletion{
		Messages:         out.WireMessages,
		Response:         out.Text,
		ToolCallRequests: out.ToolCalls,
		Usage:            usage,
		Provider:         string(data.Provider.Name()),
		Model:            string(data.ModelData.Model),
		ConfigID:         data.Provider.ConfigID(),
	}
	r.cfg.Costs.Price(&completion)
	return completion
}

func (r *Runner) assemble(req Request, inputHash string, state *runState, started time.Time, runErr error) domain.AgentRun {
	finished := r.cfg.Now()
	run := domain.AgentRun{
		ID:               state.id,
		TaskID:           req.TaskID,
		TaskSchemaID:     req.TaskSchemaID,
		GroupID:          req.GroupID,
		Iteration:        req.Iteration,
		TaskInput:        req.Input,
		TaskInputHash:    inputHash,
		TaskInputPreview: domain.Preview(req.Input),
		Status:           domain.RunStatusSuccess,
		DurationSeconds:  finished.Sub(started).Seconds(),
		LLMCompletions:   state.completions,
		ToolCalls:        state.toolCalls,
		ToolCallRequests: state.toolRequests,
		ReasoningSteps:   state.reasoningSteps,
		CreatedAt:        finished.Format(time.RFC3339Nano),
	}
	for _, completion := range state.completions {
		run.CostUSD += completion.Usage.CostUSD()
	}
	if runErr != nil {
		run.Status = domain.RunStatusFailure
		run.Error = domain.RunErrorFrom(runErr)
		return run
	}
	if state.output != nil {
		run.TaskOutput = state.output
		run.TaskOutputHash = domain.HashJSON(state.output)
		run.TaskOutputPreview = domain.Preview(state.output)
	}
	run.EvalHash = domain.EvalHash(req.TaskSchemaID, run.TaskInputHash, run.TaskOutputHash)
	return run
}

func buildMessages(name templates.Name, req Request, props domain.TaskGroupProperties) ([]domain.Message, error) {
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, domain.InvalidArgument("task input is not serializable")
	}
	vars := templates.Variables{
		Instructions: props.Instructions,
		Input:        string(input),
	}
	if vars.InputSchema, err = schemaText(req.InputSchema); err != nil {
		return nil, err
	}
	if vars.OutputSchema, err = schemaText(req.OutputSchema); err != nil {
		return nil, err
	}
	system, user := templates.Render(name, vars)
	return []domain.Message{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: user, Files: req.Files},
	}, nil
}

func schemaText(schema map[string]any) (string, error) {
	if schema == nil {
		return "{}", nil
	}
	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", domain.InvalidArgument("schema is not serializable")
	}
	return string(raw), nil
}

func findTool(tools []InternalTool, name string) (InternalTool, bool) {
	for _, tool := range tools {
		if tool.Definition.Name == name {
			return tool, true
		}
	}
	return InternalTool{}, false
}

func executeTools(ctx context.Context, internal []InternalTool, calls []domain.ToolCallRequest) []domain.ToolCallResult {
	results := make([]domain.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		result := domain.ToolCallResult{ID: call.ID, ToolName: call.ToolName, Input: call.Input}
		tool, _ := findTool(internal, call.ToolName)
		if tool.Executor == nil {
			result.Error = "tool is not available"
			results = append(results, result)
			continue
		}
		value, err := tool.Executor.Execute(ctx, call.ToolName, call.Input)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Result = value
		}
		results = append(results, result)
	}
	return results
}
