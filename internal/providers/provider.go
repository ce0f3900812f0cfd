package providers

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
)

// Canonical finish reasons. Each codec maps its vendor values onto these.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Provider is one configured credential set for one vendor.
type Provider interface {
	Name() models.Provider
	// ConfigID is set only for caller pinned custom configs.
	ConfigID() string
	Complete(ctx context.Context, messages []domain.Message, opts Options) (Output, error)
	// Stream yields deltas and ends with a delta whose Final is set. Breaking out of the loop releases the connection.
	Stream(ctx context.Context, messages []domain.Message, opts Options) iter.Seq2[Delta, error]

	CountPromptTokens(messages []domain.Message) int64
	CountCompletionTokens(text string) int64
	CountPromptCharacters(messages []domain.Message) int64
	CountCompletionCharacters(text string) int64
}

type Options struct {
	Model                models.Model
	ModelID              string
	Temperature          float64
	MaxTokens            int
	Tools                []domain.Tool
	OutputSchema         map[string]any
	TaskName             string
	StructuredGeneration bool
	// PDFAsImage sends PDFs as image parts, for models that read images but not documents.
	PDFAsImage bool
}

func (o Options) wireModel() string {
	if o.ModelID != "" {
		return o.ModelID
	}
	return string(o.Model)
}

type Output struct {
	Text           string
	ToolCalls      []domain.ToolCallRequest
	ReasoningSteps []string
	FinishReason   string
	Usage          domain.LLMUsage
	WireMessages   []map[string]any
}

type ToolCallDelta struct {
	Index             int
	ID                string
	ToolName          string
	ArgumentsFragment string
}

type Delta struct {
	Text      string
	Reasoning string
	ToolCalls []ToolCallDelta
	Final     *Output
}

func (d Delta) empty() bool {
	return d.Text == "" && d.Reasoning == "" && len(d.ToolCalls) == 0 && d.Final == nil
}

// Config is one credential entry. Vendors ignore the fields they do not use.
type Config struct {
	ID          string            `json:"id"`
	Provider    models.Provider   `json:"provider"`
	APIKey      string            `json:"api_key"`
	BaseURL     string            `json:"base_url,omitempty"`
	APIVersion  string            `json:"api_version,omitempty"`
	Deployments map[string]string `json:"deployments,omitempty"`
	Project     string            `json:"project,omitempty"`
	Regions     []string          `json:"regions,omitempty"`
	Custom      bool              `json:"custom,omitempty"`
	Timeout     time.Duration     `json:"-"`
}

type constructor func(cfg Config, client *http.Client) (Provider, error)

var factories = map[models.Provider]constructor{
	models.ProviderOpenAI: func(cfg Config, client *http.Client) (Provider, error) {
		return NewOpenAI(cfg, client)
	},
	models.ProviderAzureOpenAI: func(cfg Config, client *http.Client) (Provider, error) {
		return NewAzureOpenAI(cfg, client)
	},
	models.ProviderGroq: func(cfg Config, client *http.Client) (Provider, error) {
		return NewGroq(cfg, client)
	},
	models.ProviderFireworks: func(cfg Config, client *http.Client) (Provider, error) {
		return NewFireworks(cfg, client)
	},
	models.ProviderMistral: func(cfg Config, client *http.Client) (Provider, error) {
		return NewMistral(cfg, client)
	},
	models.ProviderAnthropic: func(cfg Config, client *http.Client) (Provider, error) {
		return NewAnthropic(cfg, client)
	},
	models.ProviderGoogle: func(cfg Config, client *http.Client) (Provider, error) {
		return NewGoogle(cfg, client)
	},
}

// New builds the adapter registered for cfg.Provider.
func New(cfg Config, client *http.Client) (Provider, error) {
	build, ok := factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return build(cfg, client)
}
