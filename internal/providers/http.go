package providers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/redact"
	"github.com/goccy/go-json"
)

const maxResponseBytes = 8 << 20

var (
	errStreamDone    = errors.New("stream done")
	errStreamStopped = errors.New("stream stopped by consumer")
)

type wireRequest struct {
	Payload  map[string]any
	Messages []map[string]any
}

// codec is the vendor specific half of an adapter.
type codec interface {
	endpoint(opts Options, stream bool) string
	authorize(header http.Header)
	buildRequest(messages []domain.Message, opts Options, stream bool) (wireRequest, error)
	parseResponse(body []byte) (Output, error)
	parseStreamEvent(state *streamState, event string, data []byte) (Delta, error)
	classifyError(status int, header http.Header, body []byte) *domain.ProviderError
}

type httpProvider struct {
	name     models.Provider
	cfg      Config
	client   *http.Client
	codec    codec
	redactor *redact.Redactor
}

func newHTTPProvider(name models.Provider, cfg Config, client *http.Client, c codec) *httpProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpProvider{
		name:     name,
		cfg:      cfg,
		client:   client,
		codec:    c,
		redactor: redact.New([]string{cfg.APIKey}),
	}
}

func (p *httpProvider) Name() models.Provider {
	return p.name
}

func (p *httpProvider) ConfigID() string {
	if !p.cfg.Custom {
		return ""
	}
	return p.cfg.ID
}

func (p *httpProvider) Complete(ctx context.Context, messages []domain.Message, opts Options) (Output, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	wire, err := p.codec.buildRequest(messages, opts, false)
	if err != nil {
		return Output{}, p.annotate(err)
	}
	req, err := p.newRequest(ctx, opts, wire, false)
	if err != nil {
		return Output{}, p.annotate(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Output{}, p.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Output{}, p.transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Output{}, p.annotate(p.codec.classifyError(resp.StatusCode, resp.Header, body))
	}

	out, err := p.codec.parseResponse(body)
	if err != nil {
		return Output{}, p.annotate(err)
	}
	out.WireMessages = wire.Messages
	if err := checkFinish(out); err != nil {
		return Output{}, p.annotate(err)
	}
	return out, nil
}

func (p *httpProvider) Stream(ctx context.Context, messages []domain.Message, opts Options) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		if p.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
		}

		wire, err := p.codec.buildRequest(messages, opts, true)
		if err != nil {
			yield(Delta{}, p.annotate(err))
			return
		}
		req, err := p.newRequest(ctx, opts, wire, true)
		if err != nil {
			yield(Delta{}, p.annotate(err))
			return
		}
		resp, err := p.client.Do(req)
		if err != nil {
			yield(Delta{}, p.transportError(ctx, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			yield(Delta{}, p.annotate(p.codec.classifyError(resp.StatusCode, resp.Header, body)))
			return
		}

		// Some upstreams ignore stream=true and answer with a plain JSON body.
		ctype := strings.ToLower(resp.Header.Get("content-type"))
		if !strings.Contains(ctype, "text/event-stream") {
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				yield(Delta{}, p.transportError(ctx, err))
				return
			}
			out, err := p.codec.parseResponse(body)
			if err == nil {
				err = checkFinish(out)
			}
			if err != nil {
				yield(Delta{}, p.annotate(err))
				return
			}
			out.WireMessages = wire.Messages
			yieldBuffered(out, yield)
			return
		}

		state := newStreamState()
		err = readSSE(resp.Body, func(event string, data []byte) error {
			if len(data) == 0 {
				return nil
			}
			if string(bytes.TrimSpace(data)) == "[DONE]" {
				return errStreamDone
			}
			delta, err := p.codec.parseStreamEvent(state, event, data)
			if err != nil {
				return err
			}
			if delta.empty() {
				return nil
			}
			if !yield(delta, nil) {
				return errStreamStopped
			}
			return nil
		})
		if errors.Is(err, errStreamStopped) {
			return
		}
		if err != nil && !errors.Is(err, errStreamDone) {
			if _, ok := domain.AsProviderError(err); ok {
				yield(Delta{}, p.annotate(err))
				return
			}
			yield(Delta{}, p.transportError(ctx, err))
			return
		}

		out, err := state.output()
		if err == nil {
			err = checkFinish(out)
		}
		if err != nil {
			yield(Delta{}, p.annotate(err))
			return
		}
		out.WireMessages = wire.Messages
		yield(Delta{Final: &out}, nil)
	}
}

// yieldBuffered replays a complete output as a stream.
func yieldBuffered(out Output, yield func(Delta, error) bool) {
	if out.Text != "" {
		if !yield(Delta{Text: out.Text}, nil) {
			return
		}
	}
	yield(Delta{Final: &out}, nil)
}

func checkFinish(out Output) error {
	if out.FinishReason != FinishLength {
		return nil
	}
	return domain.NewProviderError(domain.CodeMaxTokensExceeded, "model stopped because the maximum number of tokens was reached").
		WithDetail("partial_output", truncate(out.Text, 512))
}

func (p *httpProvider) newRequest(ctx context.Context, opts Options, wire wireRequest, stream bool) (*http.Request, error) {
	raw, err := json.Marshal(wire.Payload)
	if err != nil {
		return nil, domain.Internal("failed to encode provider request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.codec.endpoint(opts, stream), bytes.NewReader(raw))
	if err != nil {
		return nil, domain.Internal("failed to build provider request", err)
	}
	req.Header.Set("content-type", "application/json")
	if stream {
		req.Header.Set("accept", "text/event-stream")
	}
	p.codec.authorize(req.Header)
	return req, nil
}

func (p *httpProvider) transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return p.annotate(domain.NewProviderError(domain.CodeProviderTimeout, "provider request timed out").WithCause(err))
	}
	if ctx.Err() != nil {
		return err
	}
	return p.annotate(domain.NewProviderError(domain.CodeProviderUnavailable, "provider request failed").WithCause(err))
}

// annotate tags err with this adapter. Anything unclassified becomes an unknown provider error.
func (p *httpProvider) annotate(err error) error {
	if err == nil {
		return nil
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok {
		if _, isApp := domain.AsAppError(err); isApp {
			return err
		}
		providerErr = domain.NewProviderError(domain.CodeUnknownProviderError, "unexpected provider response").WithCause(err)
	}
	providerErr.Provider = string(p.name)
	providerErr.ConfigID = p.ConfigID()
	providerErr.Message = p.redactor.Apply(providerErr.Message)
	return providerErr
}

func (p *httpProvider) CountPromptTokens(messages []domain.Message) int64 {
	return estimateTokens(messagesText(messages))
}

func (p *httpProvider) CountCompletionTokens(text string) int64 {
	return estimateTokens(text)
}

func (p *httpProvider) CountPromptCharacters(messages []domain.Message) int64 {
	return billableCharacters(messagesText(messages))
}

func (p *httpProvider) CountCompletionCharacters(text string) int64 {
	return billableCharacters(text)
}

func estimateTokens(text string) int64 {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return int64((runes + 3) / 4)
}

// billableCharacters counts characters the way per-character vendors bill them, whitespace excluded.
func billableCharacters(text string) int64 {
	var count int64
	for _, r := range text {
		if !unicode.IsSpace(r) {
			count++
		}
	}
	return count
}

func messagesText(messages []domain.Message) string {
	var b strings.Builder
	for _, message := range messages {
		b.WriteString(message.Content)
		for _, request := range message.ToolCallRequests {
			raw, _ := json.Marshal(request.Input)
			b.WriteString(request.ToolName)
			b.Write(raw)
		}
		for _, result := range message.ToolCallResults {
			b.WriteString(toolResultText(result))
		}
	}
	return b.String()
}

func toolResultText(result domain.ToolCallResult) string {
	if result.Error != "" {
		return "Error: " + result.Error
	}
	switch value := result.Result.(type) {
	case nil:
		return "null"
	case string:
		return value
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

// readSSE calls onFrame for each event. A non-nil return from onFrame stops reading.
func readSSE(r io.Reader, onFrame func(event string, data []byte) error) error {
	reader := bufio.NewReader(r)
	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		err := onFrame(eventName, []byte(payload))
		eventName = ""
		dataLines = nil
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if fErr := flush(); fErr != nil {
				return fErr
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventName = fieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, fieldValue(line, "data:"))
		}

		if err == io.EOF {
			return flush()
		}
	}
}

// fieldValue drops the field name and at most one leading space.
func fieldValue(line, field string) string {
	return strings.TrimPrefix(line[len(field):], " ")
}

type toolCallPartial struct {
	id        string
	name      string
	arguments strings.Builder
}

// streamState accumulates one streamed completion.
type streamState struct {
	text         strings.Builder
	reasoning    strings.Builder
	tools        map[int]*toolCallPartial
	usage        domain.LLMUsage
	finishReason string
}

func newStreamState() *streamState {
	return &streamState{tools: map[int]*toolCallPartial{}}
}

func (s *streamState) appendText(text string) {
	s.text.WriteString(text)
}

func (s *streamState) appendTool(index int, id, name, fragment string) ToolCallDelta {
	partial := s.tools[index]
	if partial == nil {
		partial = &toolCallPartial{}
		s.tools[index] = partial
	}
	if id != "" {
		partial.id = id
	}
	if name != "" {
		partial.name = name
	}
	partial.arguments.WriteString(fragment)
	return ToolCallDelta{Index: index, ID: partial.id, ToolName: partial.name, ArgumentsFragment: fragment}
}

func (s *streamState) nextToolIndex() int {
	next := 0
	for index := range s.tools {
		if index >= next {
			next = index + 1
		}
	}
	return next
}

func (s *streamState) output() (Output, error) {
	calls, err := orderedToolCalls(s.tools)
	if err != nil {
		return Output{}, err
	}
	out := Output{
		Text:         s.text.String(),
		ToolCalls:    calls,
		FinishReason: s.finishReason,
		Usage:        s.usage,
	}
	if reasoning := strings.TrimSpace(s.reasoning.String()); reasoning != "" {
		out.ReasoningSteps = []string{reasoning}
	}
	if out.FinishReason == "" {
		out.FinishReason = FinishStop
		if len(calls) > 0 {
			out.FinishReason = FinishToolCalls
		}
	}
	return out, nil
}

func orderedToolCalls(tools map[int]*toolCallPartial) ([]domain.ToolCallRequest, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	indexes := make([]int, 0, len(tools))
	for index := range tools {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)

	out := make([]domain.ToolCallRequest, 0, len(indexes))
	for _, index := range indexes {
		partial := tools[index]
		input, err := decodeArguments(partial.arguments.String())
		if err != nil {
			return nil, domain.NewProviderError(domain.CodeFailedGeneration, "tool call arguments are not valid json").
				WithCause(err).
				WithDetail("tool_name", partial.name)
		}
		out = append(out, domain.ToolCallRequest{ID: partial.id, ToolName: partial.name, Input: input})
	}
	return out, nil
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
