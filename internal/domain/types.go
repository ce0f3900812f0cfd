package domain

import "strings"

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// File is an attachment carried by a message. Either URL or Data (base64) is set.
type File struct {
	URL         string `json:"url,omitempty"`
	Data        string `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func (f File) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(f.ContentType), "image/")
}

func (f File) IsAudio() bool {
	return strings.HasPrefix(strings.ToLower(f.ContentType), "audio/")
}

func (f File) IsPDF() bool {
	return strings.EqualFold(f.ContentType, "application/pdf")
}

// DataURL returns the inline data url form, or the plain URL when the file is remote.
func (f File) DataURL() string {
	if f.Data == "" {
		return f.URL
	}
	return "data:" + f.ContentType + ";base64," + f.Data
}

type ToolCallRequest struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"tool_input"`
}

type ToolCallResult struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"tool_input,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Message is a normalized chat turn. Adapters derive their wire format from it and never mutate it.
type Message struct {
	Role             MessageRole       `json:"role"`
	Content          string            `json:"content"`
	Files            []File            `json:"files,omitempty"`
	ToolCallRequests []ToolCallRequest `json:"tool_call_requests,omitempty"`
	ToolCallResults  []ToolCallResult  `json:"tool_call_results,omitempty"`
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type LLMUsage struct {
	PromptTokenCount         int64   `json:"prompt_token_count"`
	CompletionTokenCount     int64   `json:"completion_token_count"`
	PromptCharacterCount     int64   `json:"prompt_character_count,omitempty"`
	CompletionCharacterCount int64   `json:"completion_character_count,omitempty"`
	PromptCostUSD            float64 `json:"prompt_cost_usd"`
	CompletionCostUSD        float64 `json:"completion_cost_usd"`
	Priced                   bool    `json:"priced"`
}

func (u LLMUsage) CostUSD() float64 {
	return u.PromptCostUSD + u.CompletionCostUSD
}

// LLMCompletion is one raw exchange with a provider.
type LLMCompletion struct {
	Messages         []map[string]any  `json:"messages"`
	Response         string            `json:"response,omitempty"`
	ToolCallRequests []ToolCallRequest `json:"tool_call_requests,omitempty"`
	Usage            LLMUsage          `json:"usage"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	ConfigID         string            `json:"config_id,omitempty"`
	DurationSeconds  float64           `json:"duration_seconds"`
}

type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type AgentRun struct {
	ID                string            `json:"id"`
	TaskID            string            `json:"task_id"`
	TaskSchemaID      int               `json:"task_schema_id"`
	GroupID           string            `json:"group_id"`
	Iteration         int               `json:"iteration"`
	TaskInput         map[string]any    `json:"task_input"`
	TaskInputHash     string            `json:"task_input_hash"`
	TaskInputPreview  string            `json:"task_input_preview"`
	TaskOutput        map[string]any    `json:"task_output"`
	TaskOutputHash    string            `json:"task_output_hash"`
	TaskOutputPreview string            `json:"task_output_preview"`
	Status            RunStatus         `json:"status"`
	Error             *RunError         `json:"error,omitempty"`
	DurationSeconds   float64           `json:"duration_seconds"`
	CostUSD           float64           `json:"cost_usd"`
	LLMCompletions    []LLMCompletion   `json:"llm_completions"`
	ToolCalls         []ToolCallResult  `json:"tool_calls,omitempty"`
	ToolCallRequests  []ToolCallRequest `json:"tool_call_requests,omitempty"`
	ReasoningSteps    []string          `json:"reasoning_steps,omitempty"`
	FromCache         bool              `json:"from_cache"`
	EvalHash          string            `json:"eval_hash"`
	CreatedAt         string            `json:"created_at"`
}

// TaskGroupProperties is the hashed part of a version: how a task is run.
type TaskGroupProperties struct {
	Model                string   `json:"model"`
	Provider             string   `json:"provider,omitempty"`
	Temperature          float64  `json:"temperature"`
	Instructions         string   `json:"instructions,omitempty"`
	EnabledTools         []string `json:"enabled_tools,omitempty"`
	MaxTokens            int      `json:"max_tokens,omitempty"`
	TemplateName         string   `json:"template_name,omitempty"`
	StructuredGeneration *bool    `json:"is_structured_generation_enabled,omitempty"`
	TaskVariantID        string   `json:"task_variant_id,omitempty"`
}

type TaskGroup struct {
	ID           string              `json:"id"`
	TaskID       string              `json:"task_id"`
	TaskSchemaID int                 `json:"task_schema_id"`
	Iteration    int                 `json:"iteration"`
	Properties   TaskGroupProperties `json:"properties"`
	Tags         []string            `json:"tags"`
	CreatedAt    string              `json:"created_at"`
}

// CacheKey identifies a previously stored run that may be served instead of a live call.
type CacheKey struct {
	TaskID      string
	SchemaID    int
	InputHash   string
	GroupHash   string
	SuccessOnly bool
}

type RunFilter struct {
	TaskID       string
	TaskSchemaID int
	GroupID      string
	Status       string
	Limit        int
}

type State struct {
	TaskGroups []TaskGroup `json:"task_groups"`
	Runs       []AgentRun  `json:"runs"`
}

func EmptyState() State {
	return State{
		TaskGroups: []TaskGroup{},
		Runs:       []AgentRun{},
	}
}
