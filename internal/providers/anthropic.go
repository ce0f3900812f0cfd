package providers

import (
	"net/http"
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/goccy/go-json"
)

const (
	anthropicDefaultVersion   = "2023-06-01"
	anthropicDefaultMaxTokens = 8192
)

type anthropicCodec struct {
	cfg Config
}

func (c *anthropicCodec) endpoint(_ Options, _ bool) string {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	return base + "/messages"
}

func (c *anthropicCodec) authorize(header http.Header) {
	if c.cfg.APIKey != "" {
		header.Set("x-api-key", c.cfg.APIKey)
	}
	version := c.cfg.APIVersion
	if version == "" {
		version = anthropicDefaultVersion
	}
	header.Set("anthropic-version", version)
}

func (c *anthropicCodec) buildRequest(messages []domain.Message, opts Options, stream bool) (wireRequest, error) {
	var system []string
	rest := make([]domain.Message, 0, len(messages))
	for _, message := range messages {
		if message.Role == domain.RoleSystem {
			system = append(system, message.Content)
			continue
		}
		rest = append(rest, message)
	}

	wireMessages := anthropicMessages(rest, opts.PDFAsImage)
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	payload := map[string]any{
		"model":       opts.wireModel(),
		"max_tokens":  maxTokens,
		"messages":    wireMessages,
		"temperature": opts.Temperature,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if stream {
		payload["stream"] = true
	}
	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			schema := tool.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools = append(tools, map[string]any{
				"name":         tool.Name,
				"description":  tool.Description,
				"input_schema": schema,
			})
		}
		payload["tools"] = tools
	}
	return wireRequest{Payload: payload, Messages: wireMessages}, nil
}

func anthropicMessages(messages []domain.Message, pdfAsImage bool) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		blocks := make([]map[string]any, 0, 1+len(message.Files)+len(message.ToolCallResults)+len(message.ToolCallRequests))
		for _, result := range message.ToolCallResults {
			blocks = append(blocks, map[string]any{
				"type":        "tool_result",
				"tool_use_id": result.ID,
				"content":     toolResultText(result),
				"is_error":    result.Error != "",
			})
		}
		for _, file := range message.Files {
			blockType := "image"
			if file.IsPDF() && !pdfAsImage {
				blockType = "document"
			}
			blocks = append(blocks, map[string]any{"type": blockType, "source": anthropicSource(file)})
		}
		if message.Content != "" {
			blocks = append(blocks, map[string]any{"type": "text", "text": message.Content})
		}
		for _, request := range message.ToolCallRequests {
			input := request.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    request.ID,
				"name":  request.ToolName,
				"input": input,
			})
		}
		out = append(out, map[string]any{"role": string(message.Role), "content": blocks})
	}
	return out
}

func anthropicSource(file domain.File) map[string]any {
	if file.Data == "" {
		return map[string]any{"type": "url", "url": file.URL}
	}
	return map[string]any{"type": "base64", "media_type": file.ContentType, "data": file.Data}
}

type anthropicContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Thinking string         `json:"thinking"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

func (c *anthropicCodec) parseResponse(body []byte) (Output, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Output{}, domain.NewProviderError(domain.CodeUnknownProviderError, "provider response is not valid json").WithCause(err)
	}

	out := Output{
		Usage: domain.LLMUsage{
			PromptTokenCount:     resp.Usage.InputTokens,
			CompletionTokenCount: resp.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			if strings.TrimSpace(block.Thinking) != "" {
				out.ReasoningSteps = append(out.ReasoningSteps, block.Thinking)
			}
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCallRequest{ID: block.ID, ToolName: block.Name, Input: input})
		}
	}
	out.Text = text.String()
	out.FinishReason = normalizeAnthropicStop(resp.StopReason)
	return out, nil
}

type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	Message      anthropicResponse     `json:"message"`
	ContentBlock anthropicContentBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *anthropicCodec) parseStreamEvent(state *streamState, event string, data []byte) (Delta, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Delta{}, nil
	}
	if strings.TrimSpace(event) == "" {
		event = ev.Type
	}

	switch event {
	case "message_start":
		state.usage.PromptTokenCount = ev.Message.Usage.InputTokens
		if ev.Message.Usage.OutputTokens > 0 {
			state.usage.CompletionTokenCount = ev.Message.Usage.OutputTokens
		}
	case "content_block_start":
		if ev.ContentBlock.Type == "tool_use" {
			return Delta{ToolCalls: []ToolCallDelta{state.appendTool(ev.Index, ev.ContentBlock.ID, ev.ContentBlock.Name, "")}}, nil
		}
		if ev.ContentBlock.Text != "" {
			state.appendText(ev.ContentBlock.Text)
			return Delta{Text: ev.ContentBlock.Text}, nil
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			state.appendText(ev.Delta.Text)
			return Delta{Text: ev.Delta.Text}, nil
		case "input_json_delta":
			return Delta{ToolCalls: []ToolCallDelta{state.appendTool(ev.Index, "", "", ev.Delta.PartialJSON)}}, nil
		case "thinking_delta":
			state.reasoning.WriteString(ev.Delta.Thinking)
			return Delta{Reasoning: ev.Delta.Thinking}, nil
		}
	case "message_delta":
		if ev.Delta.StopReason != "" {
			state.finishReason = normalizeAnthropicStop(ev.Delta.StopReason)
		}
		if ev.Usage.OutputTokens > 0 {
			state.usage.CompletionTokenCount = ev.Usage.OutputTokens
		}
	case "error":
		return Delta{}, anthropicStreamError(ev.Error.Type, ev.Error.Message)
	}
	return Delta{}, nil
}

func anthropicStreamError(kind, message string) *domain.ProviderError {
	status := http.StatusInternalServerError
	switch kind {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "invalid_request_error":
		status = http.StatusBadRequest
	}
	return classifyStatus(status, nil, message, kind)
}

func (c *anthropicCodec) classifyError(status int, header http.Header, body []byte) *domain.ProviderError {
	message, kind := extractError(body)
	if kind == "overloaded_error" {
		status = 529
	}
	return classifyStatus(status, header, message, kind)
}

func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

type AnthropicProvider struct {
	*httpProvider
}

func NewAnthropic(cfg Config, client *http.Client) (*AnthropicProvider, error) {
	if err := requireKey(cfg); err != nil {
		return nil, err
	}
	return &AnthropicProvider{newHTTPProvider(models.ProviderAnthropic, cfg, client, &anthropicCodec{cfg: cfg})}, nil
}
