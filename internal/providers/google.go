package providers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/goccy/go-json"
)

const googleDefaultRegion = "us-central1"

// Keys Vertex rejects inside responseSchema.
var unsupportedSchemaKeys = []string{"additionalProperties", "$schema", "$defs", "title", "examples"}

type googleCodec struct {
	cfg    Config
	region string
}

func (c *googleCodec) endpoint(opts Options, stream bool) string {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", c.region)
	}
	action := "generateContent"
	if stream {
		action = "streamGenerateContent?alt=sse"
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		base, c.cfg.Project, c.region, opts.wireModel(), action)
}

func (c *googleCodec) authorize(header http.Header) {
	if c.cfg.APIKey != "" {
		header.Set("authorization", "Bearer "+c.cfg.APIKey)
	}
}

func (c *googleCodec) buildRequest(messages []domain.Message, opts Options, _ bool) (wireRequest, error) {
	var system []string
	rest := make([]domain.Message, 0, len(messages))
	for _, message := range messages {
		if message.Role == domain.RoleSystem {
			system = append(system, message.Content)
			continue
		}
		rest = append(rest, message)
	}

	contents := googleContents(rest)
	generation := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens > 0 {
		generation["maxOutputTokens"] = opts.MaxTokens
	}
	if len(opts.Tools) == 0 {
		generation["responseMimeType"] = "application/json"
		if opts.StructuredGeneration && opts.OutputSchema != nil {
			generation["responseSchema"] = sanitizeSchema(opts.OutputSchema)
		}
	}

	payload := map[string]any{
		"contents":         contents,
		"generationConfig": generation,
	}
	if len(system) > 0 {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}
	if len(opts.Tools) > 0 {
		declarations := make([]map[string]any, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			declaration := map[string]any{"name": tool.Name, "description": tool.Description}
			if tool.InputSchema != nil {
				declaration["parameters"] = sanitizeSchema(tool.InputSchema)
			}
			declarations = append(declarations, declaration)
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": declarations}}
	}
	return wireRequest{Payload: payload, Messages: contents}, nil
}

func googleContents(messages []domain.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		role := "user"
		if message.Role == domain.RoleAssistant {
			role = "model"
		}
		parts := make([]map[string]any, 0, 1+len(message.Files)+len(message.ToolCallResults)+len(message.ToolCallRequests))
		for _, result := range message.ToolCallResults {
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{
					"name":     result.ToolName,
					"response": map[string]any{"result": toolResultText(result)},
				},
			})
		}
		for _, file := range message.Files {
			if file.Data == "" {
				parts = append(parts, map[string]any{"fileData": map[string]any{"mimeType": file.ContentType, "fileUri": file.URL}})
				continue
			}
			parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": file.ContentType, "data": file.Data}})
		}
		if message.Content != "" {
			parts = append(parts, map[string]any{"text": message.Content})
		}
		for _, request := range message.ToolCallRequests {
			args := request.Input
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, map[string]any{"functionCall": map[string]any{"name": request.ToolName, "args": args}})
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, map[string]any{"role": role, "parts": parts})
	}
	return out
}

func sanitizeSchema(schema map[string]any) map[string]any {
	cleaned, _ := sanitizeSchemaValue(schema).(map[string]any)
	return cleaned
}

func sanitizeSchemaValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			if isUnsupportedSchemaKey(key) {
				continue
			}
			out[key] = sanitizeSchemaValue(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeSchemaValue(item)
		}
		return out
	default:
		return value
	}
}

func isUnsupportedSchemaKey(key string) bool {
	for _, unsupported := range unsupportedSchemaKeys {
		if key == unsupported {
			return true
		}
	}
	return false
}

type googlePart struct {
	Text         string `json:"text"`
	Thought      bool   `json:"thought"`
	FunctionCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"functionCall"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (r googleResponse) blocked() error {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return domain.NewProviderError(domain.CodeFailedGeneration, "prompt blocked: "+r.PromptFeedback.BlockReason)
	}
	for _, candidate := range r.Candidates {
		switch candidate.FinishReason {
		case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
			return domain.NewProviderError(domain.CodeFailedGeneration, "generation stopped: "+strings.ToLower(candidate.FinishReason))
		}
	}
	return nil
}

func (c *googleCodec) parseResponse(body []byte) (Output, error) {
	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Output{}, domain.NewProviderError(domain.CodeUnknownProviderError, "provider response is not valid json").WithCause(err)
	}
	if err := resp.blocked(); err != nil {
		return Output{}, err
	}
	if len(resp.Candidates) == 0 {
		return Output{}, domain.NewProviderError(domain.CodeFailedGeneration, "provider returned no candidates")
	}

	candidate := resp.Candidates[0]
	out := Output{}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCallRequest{
				ID:       googleToolCallID(part.FunctionCall.Name, len(out.ToolCalls)),
				ToolName: part.FunctionCall.Name,
				Input:    args,
			})
		case part.Thought:
			if strings.TrimSpace(part.Text) != "" {
				out.ReasoningSteps = append(out.ReasoningSteps, part.Text)
			}
		default:
			text.WriteString(part.Text)
		}
	}
	out.Text = text.String()
	out.FinishReason = normalizeGoogleFinish(candidate.FinishReason, len(out.ToolCalls) > 0)
	if resp.UsageMetadata != nil {
		out.Usage.PromptTokenCount = resp.UsageMetadata.PromptTokenCount
		out.Usage.CompletionTokenCount = resp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

func (c *googleCodec) parseStreamEvent(state *streamState, _ string, data []byte) (Delta, error) {
	var resp googleResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Delta{}, nil
	}
	if err := resp.blocked(); err != nil {
		return Delta{}, err
	}
	if resp.UsageMetadata != nil {
		state.usage.PromptTokenCount = resp.UsageMetadata.PromptTokenCount
		state.usage.CompletionTokenCount = resp.UsageMetadata.CandidatesTokenCount
	}

	delta := Delta{}
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				index := state.nextToolIndex()
				args, _ := json.Marshal(part.FunctionCall.Args)
				if part.FunctionCall.Args == nil {
					args = []byte("{}")
				}
				id := googleToolCallID(part.FunctionCall.Name, index)
				delta.ToolCalls = append(delta.ToolCalls, state.appendTool(index, id, part.FunctionCall.Name, string(args)))
			case part.Thought:
				state.reasoning.WriteString(part.Text)
				delta.Reasoning += part.Text
			default:
				state.appendText(part.Text)
				delta.Text += part.Text
			}
		}
		if candidate.FinishReason != "" {
			state.finishReason = normalizeGoogleFinish(candidate.FinishReason, len(state.tools) > 0)
		}
	}
	return delta, nil
}

func (c *googleCodec) classifyError(status int, header http.Header, body []byte) *domain.ProviderError {
	message, kind := extractError(body)
	return classifyStatus(status, header, message, kind)
}

func googleToolCallID(name string, index int) string {
	return fmt.Sprintf("%s_%d", name, index)
}

func normalizeGoogleFinish(reason string, hasToolCalls bool) string {
	if reason == "MAX_TOKENS" {
		return FinishLength
	}
	if hasToolCalls {
		return FinishToolCalls
	}
	return FinishStop
}

// GoogleProvider talks to Vertex AI and moves to the next configured region when one is saturated.
type GoogleProvider struct {
	cfg     Config
	engines []*httpProvider
}

func NewGoogle(cfg Config, client *http.Client) (*GoogleProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Project) == "" {
		return nil, fmt.Errorf("google config %q requires project", cfg.ID)
	}
	regions := make([]string, 0, len(cfg.Regions))
	for _, region := range cfg.Regions {
		if region = strings.TrimSpace(region); region != "" {
			regions = append(regions, region)
		}
	}
	if len(regions) == 0 {
		regions = []string{googleDefaultRegion}
	}

	provider := &GoogleProvider{cfg: cfg}
	for _, region := range regions {
		provider.engines = append(provider.engines,
			newHTTPProvider(models.ProviderGoogle, cfg, client, &googleCodec{cfg: cfg, region: region}))
	}
	return provider, nil
}

func (p *GoogleProvider) Name() models.Provider {
	return models.ProviderGoogle
}

func (p *GoogleProvider) ConfigID() string {
	return p.engines[0].ConfigID()
}

func (p *GoogleProvider) Complete(ctx context.Context, messages []domain.Message, opts Options) (Output, error) {
	var lastErr error
	for _, engine := range p.engines {
		out, err := engine.Complete(ctx, messages, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !shouldSwitchRegion(err) {
			return Output{}, err
		}
	}
	return Output{}, lastErr
}

// Stream moves to the next region only while nothing has been yielded.
func (p *GoogleProvider) Stream(ctx context.Context, messages []domain.Message, opts Options) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		var lastErr error
		for _, engine := range p.engines {
			started := false
			failed := false
			for delta, err := range engine.Stream(ctx, messages, opts) {
				if err != nil {
					if !started && shouldSwitchRegion(err) {
						lastErr = err
						failed = true
						break
					}
					yield(Delta{}, err)
					return
				}
				started = true
				if !yield(delta, nil) {
					return
				}
			}
			if !failed {
				return
			}
		}
		if lastErr != nil {
			yield(Delta{}, lastErr)
		}
	}
}

func shouldSwitchRegion(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok {
		return false
	}
	return providerErr.Retryable() || providerErr.Code == domain.CodeProviderInternal
}

func (p *GoogleProvider) CountPromptTokens(messages []domain.Message) int64 {
	return p.engines[0].CountPromptTokens(messages)
}

func (p *GoogleProvider) CountCompletionTokens(text string) int64 {
	return p.engines[0].CountCompletionTokens(text)
}

func (p *GoogleProvider) CountPromptCharacters(messages []domain.Message) int64 {
	return p.engines[0].CountPromptCharacters(messages)
}

func (p *GoogleProvider) CountCompletionCharacters(text string) int64 {
	return p.engines[0].CountCompletionCharacters(text)
}
