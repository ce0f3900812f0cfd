package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/goccy/go-json"
)

const (
	ToolSearchGoogle    = "@search-google"
	ToolBrowserText     = "@browser-text"
	ToolPerplexitySonar = "@perplexity-sonar"
)

var mentionPattern = regexp.MustCompile(`@[a-z0-9][a-z0-9-]*`)

type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) (any, error)
}

type ToolFunc func(ctx context.Context, name string, input map[string]any) (any, error)

func (f ToolFunc) Execute(ctx context.Context, name string, input map[string]any) (any, error) {
	return f(ctx, name, input)
}

// InternalTool is a tool the runner executes itself instead of returning it to the caller.
type InternalTool struct {
	Definition domain.Tool
	Executor   ToolExecutor
}

type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]InternalTool
}

func NewToolRegistry(tools ...InternalTool) *ToolRegistry {
	registry := &ToolRegistry{tools: map[string]InternalTool{}}
	for _, tool := range tools {
		registry.Register(tool)
	}
	return registry
}

func (r *ToolRegistry) Register(tool InternalTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition.Name] = tool
}

func (r *ToolRegistry) Lookup(name string) (InternalTool, bool) {
	if r == nil {
		return InternalTool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Enabled returns the registered tools mentioned in instructions or listed explicitly,
// in first-mention order.
func (r *ToolRegistry) Enabled(instructions string, enabled []string) []InternalTool {
	if r == nil {
		return nil
	}
	names := append(mentionPattern.FindAllString(instructions, -1), enabled...)
	seen := map[string]bool{}
	var out []InternalTool
	for _, name := range names {
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(name, "@") {
			name = "@" + name
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if tool, ok := r.Lookup(name); ok {
			out = append(out, tool)
		}
	}
	return out
}

func queryTool(name, description, field, fieldDescription string) domain.Tool {
	return domain.Tool{
		Name:        name,
		Description: description,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				field: map[string]any{"type": "string", "description": fieldDescription},
			},
			"required": []any{field},
		},
	}
}

// DefaultToolDefinitions describes the hosted tools agents can mention in their instructions.
func DefaultToolDefinitions() []domain.Tool {
	return []domain.Tool{
		queryTool(ToolSearchGoogle, "Searches Google and returns the top results.", "query", "The search query."),
		queryTool(ToolBrowserText, "Fetches a web page and returns its text content.", "url", "The absolute URL to fetch."),
		queryTool(ToolPerplexitySonar, "Answers a question with Perplexity Sonar using live web results.", "query", "The question to answer."),
	}
}

// HTTPToolExecutor forwards tool calls to a tool gateway as {"tool": ..., "input": ...}.
type HTTPToolExecutor struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func (e HTTPToolExecutor) Execute(ctx context.Context, name string, input map[string]any) (any, error) {
	raw, err := json.Marshal(map[string]any{"tool": strings.TrimPrefix(name, "@"), "input": input})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	if e.Token != "" {
		req.Header.Set("authorization", "Bearer "+e.Token)
	}
	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %s failed with status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return result, nil
}

// NewGatewayTools binds the default tool definitions to one executor.
func NewGatewayTools(executor ToolExecutor) *ToolRegistry {
	registry := NewToolRegistry()
	for _, definition := range DefaultToolDefinitions() {
		registry.Register(InternalTool{Definition: definition, Executor: executor})
	}
	return registry
}
