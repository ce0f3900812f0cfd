package providers

import (
	"context"
	"fmt"
	"iter"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/goccy/go-json"
)

type structuredMode int

const (
	structuredNone structuredMode = iota
	// OpenAI style {"type":"json_schema","json_schema":{...}}.
	structuredJSONSchema
	// Fireworks style {"type":"json_object","schema":{...}}.
	structuredSchemaObject
)

// openAIFlavor captures how a chat-completions compatible vendor deviates from OpenAI.
type openAIFlavor struct {
	defaultBaseURL  string
	structured      structuredMode
	forceJSONObject bool
	streamUsage     bool
	azure           bool
}

type openAICodec struct {
	name   models.Provider
	cfg    Config
	flavor openAIFlavor
}

func (c *openAICodec) baseURL() string {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		base = c.flavor.defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

func (c *openAICodec) endpoint(opts Options, _ bool) string {
	if !c.flavor.azure {
		return c.baseURL() + "/chat/completions"
	}
	deployment := opts.wireModel()
	if mapped, ok := c.cfg.Deployments[string(opts.Model)]; ok && mapped != "" {
		deployment = mapped
	}
	version := c.cfg.APIVersion
	if version == "" {
		version = "2024-10-21"
	}
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.baseURL(), url.PathEscape(deployment), url.QueryEscape(version))
}

func (c *openAICodec) authorize(header http.Header) {
	if c.cfg.APIKey == "" {
		return
	}
	if c.flavor.azure {
		header.Set("api-key", c.cfg.APIKey)
		return
	}
	header.Set("authorization", "Bearer "+c.cfg.APIKey)
}

func (c *openAICodec) buildRequest(messages []domain.Message, opts Options, stream bool) (wireRequest, error) {
	wireMessages := openAIMessages(messages, opts.PDFAsImage)
	payload := map[string]any{
		"messages":    wireMessages,
		"temperature": opts.Temperature,
	}
	if !c.flavor.azure {
		payload["model"] = opts.wireModel()
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if stream {
		payload["stream"] = true
		if c.flavor.streamUsage {
			payload["stream_options"] = map[string]any{"include_usage": true}
		}
	}
	if len(opts.Tools) > 0 {
		payload["tools"] = openAITools(opts.Tools)
	}
	if format := c.responseFormat(opts); format != nil {
		payload["response_format"] = format
	}
	return wireRequest{Payload: payload, Messages: wireMessages}, nil
}

func (c *openAICodec) responseFormat(opts Options) map[string]any {
	if c.flavor.forceJSONObject {
		// JSON mode cannot be combined with tool calls upstream.
		if len(opts.Tools) > 0 {
			return nil
		}
		return map[string]any{"type": "json_object"}
	}
	if opts.StructuredGeneration && opts.OutputSchema != nil {
		switch c.flavor.structured {
		case structuredJSONSchema:
			return map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   schemaName(opts.TaskName),
					"strict": true,
					"schema": opts.OutputSchema,
				},
			}
		case structuredSchemaObject:
			return map[string]any{"type": "json_object", "schema": opts.OutputSchema}
		}
	}
	return map[string]any{"type": "json_object"}
}

var schemaNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func schemaName(taskName string) string {
	name := schemaNameCleaner.ReplaceAllString(strings.TrimSpace(taskName), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "output"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func openAIMessages(messages []domain.Message, pdfAsImage bool) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		for _, result := range message.ToolCallResults {
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": result.ID,
				"content":      toolResultText(result),
			})
		}
		if len(message.ToolCallResults) > 0 && strings.TrimSpace(message.Content) == "" && len(message.Files) == 0 {
			continue
		}

		entry := map[string]any{"role": string(message.Role)}
		if len(message.Files) == 0 {
			entry["content"] = message.Content
		} else {
			entry["content"] = openAIContentParts(message, pdfAsImage)
		}
		if len(message.ToolCallRequests) > 0 {
			calls := make([]map[string]any, 0, len(message.ToolCallRequests))
			for _, request := range message.ToolCallRequests {
				arguments, _ := json.Marshal(request.Input)
				calls = append(calls, map[string]any{
					"id":   request.ID,
					"type": "function",
					"function": map[string]any{
						"name":      request.ToolName,
						"arguments": string(arguments),
					},
				})
			}
			entry["tool_calls"] = calls
			if message.Content == "" {
				entry["content"] = nil
			}
		}
		out = append(out, entry)
	}
	return out
}

func openAIContentParts(message domain.Message, pdfAsImage bool) []map[string]any {
	parts := make([]map[string]any, 0, len(message.Files)+1)
	if message.Content != "" {
		parts = append(parts, map[string]any{"type": "text", "text": message.Content})
	}
	for _, file := range message.Files {
		switch {
		case file.IsAudio():
			parts = append(parts, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": file.Data, "format": audioFormat(file.ContentType)},
			})
		case file.IsPDF() && !pdfAsImage:
			parts = append(parts, map[string]any{
				"type": "file",
				"file": map[string]any{"filename": "document.pdf", "file_data": file.DataURL()},
			})
		default:
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": file.DataURL()},
			})
		}
	}
	return parts
}

func audioFormat(contentType string) string {
	exts, _ := mime.ExtensionsByType(contentType)
	if len(exts) > 0 {
		return strings.TrimPrefix(exts[0], ".")
	}
	if _, sub, ok := strings.Cut(contentType, "/"); ok {
		return sub
	}
	return "wav"
}

func openAITools(tools []domain.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		parameters := tool.InputSchema
		if parameters == nil {
			parameters = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  parameters,
			},
		})
	}
	return out
}

type openAIToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   *string          `json:"content"`
			Refusal   string           `json:"refusal"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (c *openAICodec) parseResponse(body []byte) (Output, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Output{}, domain.NewProviderError(domain.CodeUnknownProviderError, "provider response is not valid json").WithCause(err)
	}
	if len(resp.Choices) == 0 {
		return Output{}, domain.NewProviderError(domain.CodeFailedGeneration, "provider returned no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return Output{}, domain.NewProviderError(domain.CodeFailedGeneration, "model refused: "+choice.Message.Refusal)
	}

	tools := map[int]*toolCallPartial{}
	for index, call := range choice.Message.ToolCalls {
		partial := &toolCallPartial{id: call.ID, name: call.Function.Name}
		partial.arguments.WriteString(call.Function.Arguments)
		tools[index] = partial
	}
	calls, err := orderedToolCalls(tools)
	if err != nil {
		return Output{}, err
	}

	out := Output{
		ToolCalls:    calls,
		FinishReason: normalizeOpenAIFinish(choice.FinishReason, len(calls) > 0),
	}
	if choice.Message.Content != nil {
		out.Text = *choice.Message.Content
	}
	if resp.Usage != nil {
		out.Usage.PromptTokenCount = resp.Usage.PromptTokens
		out.Usage.CompletionTokenCount = resp.Usage.CompletionTokens
	}
	return out, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *openAICodec) parseStreamEvent(state *streamState, _ string, data []byte) (Delta, error) {
	var chunk openAIStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return Delta{}, nil
	}
	if chunk.Error != nil {
		return Delta{}, classifyStatus(http.StatusInternalServerError, nil, chunk.Error.Message, chunk.Error.Type)
	}
	if chunk.Usage != nil {
		state.usage.PromptTokenCount = chunk.Usage.PromptTokens
		state.usage.CompletionTokenCount = chunk.Usage.CompletionTokens
	}

	delta := Delta{}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			state.appendText(choice.Delta.Content)
			delta.Text += choice.Delta.Content
		}
		for _, call := range choice.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, state.appendTool(call.Index, call.ID, call.Function.Name, call.Function.Arguments))
		}
		if choice.FinishReason != "" {
			state.finishReason = normalizeOpenAIFinish(choice.FinishReason, len(state.tools) > 0)
		}
	}
	return delta, nil
}

func (c *openAICodec) classifyError(status int, header http.Header, body []byte) *domain.ProviderError {
	message, kind := extractError(body)
	return classifyStatus(status, header, message, kind)
}

func normalizeOpenAIFinish(finish string, hasToolCalls bool) string {
	switch finish {
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	default:
		return FinishStop
	}
}

type OpenAIProvider struct {
	*httpProvider
}

func NewOpenAI(cfg Config, client *http.Client) (*OpenAIProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	codec := &openAICodec{name: models.ProviderOpenAI, cfg: cfg, flavor: openAIFlavor{
		defaultBaseURL: "https://api.openai.com/v1",
		structured:     structuredJSONSchema,
		streamUsage:    true,
	}}
	return &OpenAIProvider{newHTTPProvider(models.ProviderOpenAI, cfg, client, codec)}, nil
}

type AzureOpenAIProvider struct {
	*httpProvider
}

func NewAzureOpenAI(cfg Config, client *http.Client) (*AzureOpenAIProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("azure_openai config %q requires base_url", cfg.ID)
	}
	codec := &openAICodec{name: models.ProviderAzureOpenAI, cfg: cfg, flavor: openAIFlavor{
		structured:  structuredJSONSchema,
		streamUsage: true,
		azure:       true,
	}}
	return &AzureOpenAIProvider{newHTTPProvider(models.ProviderAzureOpenAI, cfg, client, codec)}, nil
}

type GroqProvider struct {
	*httpProvider
}

func NewGroq(cfg Config, client *http.Client) (*GroqProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	codec := &openAICodec{name: models.ProviderGroq, cfg: cfg, flavor: openAIFlavor{
		defaultBaseURL:  "https://api.groq.com/openai/v1",
		forceJSONObject: true,
	}}
	return &GroqProvider{newHTTPProvider(models.ProviderGroq, cfg, client, codec)}, nil
}

// Stream replays a buffered completion; streaming is disabled for Groq.
func (p *GroqProvider) Stream(ctx context.Context, messages []domain.Message, opts Options) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		out, err := p.Complete(ctx, messages, opts)
		if err != nil {
			yield(Delta{}, err)
			return
		}
		yieldBuffered(out, yield)
	}
}

type FireworksProvider struct {
	*httpProvider
}

func NewFireworks(cfg Config, client *http.Client) (*FireworksProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	codec := &openAICodec{name: models.ProviderFireworks, cfg: cfg, flavor: openAIFlavor{
		defaultBaseURL: "https://api.fireworks.ai/inference/v1",
		structured:     structuredSchemaObject,
		streamUsage:    true,
	}}
	return &FireworksProvider{newHTTPProvider(models.ProviderFireworks, cfg, client, codec)}, nil
}

type MistralProvider struct {
	*httpProvider
}

func NewMistral(cfg Config, client *http.Client) (*MistralProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	codec := &openAICodec{name: models.ProviderMistral, cfg: cfg, flavor: openAIFlavor{
		defaultBaseURL:  "https://api.mistral.ai/v1",
		forceJSONObject: true,
	}}
	return &MistralProvider{newHTTPProvider(models.ProviderMistral, cfg, client, codec)}, nil
}

func requireKey(cfg Config) error {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return fmt.Errorf("%s config %q requires api_key", cfg.Provider, cfg.ID)
	}
	return nil
}
