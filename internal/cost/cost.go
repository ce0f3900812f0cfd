package cost

import (
	"log"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
)

// CharsPerToken converts between token and character counts when only one is known.
const CharsPerToken = 4

type PricingSource interface {
	Pricing(model models.Model, provider models.Provider) (models.Pricing, bool)
}

type Calculator struct {
	pricing PricingSource
}

func NewCalculator(pricing PricingSource) *Calculator {
	return &Calculator{pricing: pricing}
}

// ComputeCost prices usage. It returns false, and logs, when the pair has no pricing.
func (c *Calculator) ComputeCost(usage domain.LLMUsage, model models.Model, provider models.Provider) (float64, bool) {
	prompt, completion, ok := c.split(usage, model, provider)
	if !ok {
		return 0, false
	}
	return prompt + completion, true
}

// Price fills the cost fields of a completion in place.
func (c *Calculator) Price(completion *domain.LLMCompletion) bool {
	prompt, completionCost, ok := c.split(completion.Usage, models.Model(completion.Model), models.Provider(completion.Provider))
	if !ok {
		completion.Usage.Priced = false
		return false
	}
	completion.Usage.PromptCostUSD = prompt
	completion.Usage.CompletionCostUSD = completionCost
	completion.Usage.Priced = true
	return true
}

func (c *Calculator) split(usage domain.LLMUsage, model models.Model, provider models.Provider) (float64, float64, bool) {
	if c == nil || c.pricing == nil {
		log.Printf("cost pricing missing model=%s provider=%s reason=no_pricing_source", model, provider)
		return 0, 0, false
	}
	pricing, ok := c.pricing.Pricing(model, provider)
	if !ok {
		log.Printf("cost pricing missing model=%s provider=%s", model, provider)
		return 0, 0, false
	}

	if pricing.Unit == models.PricingPerCharacter {
		promptChars := usage.PromptCharacterCount
		if promptChars == 0 {
			promptChars = usage.PromptTokenCount * CharsPerToken
		}
		completionChars := usage.CompletionCharacterCount
		if completionChars == 0 {
			completionChars = usage.CompletionTokenCount * CharsPerToken
		}
		return float64(promptChars) * pricing.PromptCostPerCharacter,
			float64(completionChars) * pricing.CompletionCostPerCharacter,
			true
	}

	promptTokens := usage.PromptTokenCount
	if promptTokens == 0 {
		promptTokens = usage.PromptCharacterCount / CharsPerToken
	}
	completionTokens := usage.CompletionTokenCount
	if completionTokens == 0 {
		completionTokens = usage.CompletionCharacterCount / CharsPerToken
	}
	return float64(promptTokens) * pricing.PromptCostPerToken,
		float64(completionTokens) * pricing.CompletionCostPerToken,
		true
}
