package models

import (
	"fmt"
	"slices"

	"github.com/bcrosbie/agentdispatch/internal/domain"
)

type Model string

type Provider string

const (
	ProviderOpenAI      Provider = "openai"
	ProviderAzureOpenAI Provider = "azure_openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderGoogle      Provider = "google"
	ProviderGroq        Provider = "groq"
	ProviderFireworks   Provider = "fireworks"
	ProviderMistral     Provider = "mistral_ai"
)

var AllProviders = []Provider{
	ProviderOpenAI,
	ProviderAzureOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderGroq,
	ProviderFireworks,
	ProviderMistral,
}

func ParseProvider(raw string) (Provider, bool) {
	provider := Provider(raw)
	return provider, slices.Contains(AllProviders, provider)
}

type PricingUnit string

const (
	PricingPerToken     PricingUnit = "token"
	PricingPerCharacter PricingUnit = "character"
)

type Pricing struct {
	Unit                       PricingUnit `json:"unit"`
	PromptCostPerToken         float64     `json:"prompt_cost_per_token,omitempty"`
	CompletionCostPerToken     float64     `json:"completion_cost_per_token,omitempty"`
	PromptCostPerCharacter     float64     `json:"prompt_cost_per_character,omitempty"`
	CompletionCostPerCharacter float64     `json:"completion_cost_per_character,omitempty"`
}

func perToken(prompt, completion float64) Pricing {
	return Pricing{Unit: PricingPerToken, PromptCostPerToken: prompt, CompletionCostPerToken: completion}
}

func perCharacter(prompt, completion float64) Pricing {
	return Pricing{Unit: PricingPerCharacter, PromptCostPerCharacter: prompt, CompletionCostPerCharacter: completion}
}

// ProviderModelData binds a model to one vendor. ModelID is the vendor's own identifier when it differs.
type ProviderModelData struct {
	Provider Provider `json:"provider"`
	ModelID  string   `json:"model_id,omitempty"`
	Pricing  Pricing  `json:"pricing"`
}

type MaxTokens struct {
	Context int `json:"context"`
	Output  int `json:"output"`
}

type ModelData struct {
	Model                              Model               `json:"model"`
	DisplayName                        string              `json:"display_name"`
	ReleaseDate                        string              `json:"release_date"`
	QualityIndex                       int                 `json:"quality_index"`
	MaxTokens                          MaxTokens           `json:"max_tokens"`
	SupportsJSONMode                   bool                `json:"supports_json_mode"`
	SupportsInputImage                 bool                `json:"supports_input_image"`
	SupportsMultipleImagesInOneMessage bool                `json:"supports_multiple_images_in_one_message"`
	SupportsInputPDF                   bool                `json:"supports_input_pdf"`
	SupportsInputAudio                 bool                `json:"supports_input_audio"`
	SupportsStructuredOutput           bool                `json:"supports_structured_output"`
	SupportsToolCalling                bool                `json:"supports_tool_calling"`
	SupportsInputSchema                bool                `json:"supports_input_schema"`
	ProviderForPricing                 Provider            `json:"provider_for_pricing"`
	Providers                          []ProviderModelData `json:"providers"`
}

// ProviderData returns the binding for provider, if the model is served by it.
func (m ModelData) ProviderData(provider Provider) (ProviderModelData, bool) {
	for _, item := range m.Providers {
		if item.Provider == provider {
			return item, true
		}
	}
	return ProviderModelData{}, false
}

// VendorModelID is the identifier sent on the wire to provider.
func (m ModelData) VendorModelID(provider Provider) string {
	if data, ok := m.ProviderData(provider); ok && data.ModelID != "" {
		return data.ModelID
	}
	return string(m.Model)
}

// TaskTypology describes what a task needs from a model.
type TaskTypology struct {
	InputImage          bool
	InputMultipleImages bool
	InputAudio          bool
	InputPDF            bool
	ToolCalling         bool
}

func NewTaskTypology(files []domain.File, toolCalling bool) TaskTypology {
	typology := TaskTypology{ToolCalling: toolCalling}
	images := 0
	for _, file := range files {
		switch {
		case file.IsImage():
			images++
		case file.IsAudio():
			typology.InputAudio = true
		case file.IsPDF():
			typology.InputPDF = true
		}
	}
	typology.InputImage = images > 0
	typology.InputMultipleImages = images > 1
	return typology
}

// IsNotSupportedReason returns why the model cannot serve typology, or "" when it can.
// Checks run in a fixed order and the first failing one wins.
func (m ModelData) IsNotSupportedReason(typology TaskTypology) string {
	if typology.InputImage && !m.SupportsInputImage {
		return fmt.Sprintf("%s does not support input images", m.DisplayName)
	}
	if typology.InputMultipleImages && !m.SupportsMultipleImagesInOneMessage {
		return fmt.Sprintf("%s does not support multiple images in one message", m.DisplayName)
	}
	if typology.InputAudio && !m.SupportsInputAudio {
		return fmt.Sprintf("%s does not support input audio", m.DisplayName)
	}
	// PDFs can be inlined as images when the model reads images.
	if typology.InputPDF && !m.SupportsInputPDF && !m.SupportsInputImage {
		return fmt.Sprintf("%s does not support input pdf", m.DisplayName)
	}
	if typology.ToolCalling && !m.SupportsToolCalling {
		return fmt.Sprintf("%s does not support tool calling", m.DisplayName)
	}
	return ""
}
