// Package pipeline enumerates the provider attempts for one run and decides, after each
// failed attempt, whether dispatch continues.
package pipeline

import (
	"iter"
	"log"
	"math/rand/v2"
	"slices"

	"github.com/bcrosbie/agentdispatch/internal/domain"
	"github.com/bcrosbie/agentdispatch/internal/models"
	"github.com/bcrosbie/agentdispatch/internal/providers"
	"github.com/bcrosbie/agentdispatch/internal/templates"
)

// DefaultRoundRobin lists vendors that throttle silently instead of failing on quota.
var DefaultRoundRobin = []models.Provider{models.ProviderFireworks}

// Factory resolves configured provider instances.
type Factory interface {
	Pool(provider models.Provider) []providers.Provider
	CustomConfig(id string) (providers.Provider, bool)
}

// ErrorReporter receives every provider error a Call captures, including swallowed ones.
type ErrorReporter interface {
	Report(err *domain.ProviderError)
}

// LogReporter writes one line per captured provider error.
type LogReporter struct{}

func (LogReporter) Report(err *domain.ProviderError) {
	log.Printf("provider error captured provider=%s code=%s config_id=%s status=%d message=%q",
		err.Provider, err.Code, err.ConfigID, err.StatusCode, err.Message)
}

// ProviderData is one attempt.
type ProviderData struct {
	Provider     providers.Provider
	TemplateName templates.Name
	Options      providers.Options
	ModelData    models.ModelData
}

// Config describes one run's dispatch: the model, its base options and where providers come from.
type Config struct {
	ModelData models.ModelData
	// Options is the base option set. Model, ModelID and StructuredGeneration are filled per attempt.
	Options        providers.Options
	Factory        Factory
	CustomConfigID string
	ForcedProvider models.Provider
	// StructuredGeneration pins the flag when non-nil.
	StructuredGeneration *bool
	TemplateName         templates.Name
	ToolUse              bool
	RoundRobin           []models.Provider
	Shuffle              func(n int, swap func(i, j int))
	Reporter             ErrorReporter
}

// Pipeline is single use: one per run.
type Pipeline struct {
	cfg Config

	errs           []error
	retryWithoutSG bool
	sgDisabled     bool
}

func New(cfg Config) *Pipeline {
	if cfg.RoundRobin == nil {
		cfg.RoundRobin = DefaultRoundRobin
	}
	if cfg.Shuffle == nil {
		cfg.Shuffle = rand.Shuffle
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{}
	}
	return &Pipeline{cfg: cfg}
}

// structuredGeneration resolves the caller override, then the model default. Once a
// structured generation error disabled it, it stays off for the remaining entries.
func (p *Pipeline) structuredGeneration() bool {
	if p.cfg.StructuredGeneration != nil {
		return *p.cfg.StructuredGeneration
	}
	return p.cfg.ModelData.SupportsStructuredOutput && !p.sgDisabled
}

func (p *Pipeline) pinned() bool {
	return p.cfg.StructuredGeneration != nil
}

// Attempts yields provider attempts in dispatch order. The caller reports each outcome
// through Call before asking for the next attempt.
func (p *Pipeline) Attempts() iter.Seq[ProviderData] {
	return func(yield func(ProviderData) bool) {
		if id := p.cfg.CustomConfigID; id != "" {
			provider, ok := p.cfg.Factory.CustomConfig(id)
			if ok {
				if !p.yieldEntry(provider, yield) {
					return
				}
			} else {
				missing := domain.NewProviderError(domain.CodeInvalidProviderConfig, "custom provider config not found")
				missing.ConfigID = id
				p.cfg.Reporter.Report(missing)
				p.errs = append(p.errs, missing)
			}
		}

		if p.cfg.ForcedProvider != "" {
			p.yieldVendor(p.cfg.ForcedProvider, yield)
			return
		}

		for _, entry := range p.cfg.ModelData.Providers {
			if !p.yieldVendor(entry.Provider, yield) {
				return
			}
		}
	}
}

// yieldVendor runs the single-provider iterator over a vendor's credential pool.
func (p *Pipeline) yieldVendor(vendor models.Provider, yield func(ProviderData) bool) bool {
	pool := slices.Clone(p.cfg.Factory.Pool(vendor))
	if len(pool) == 0 {
		return true
	}
	if slices.Contains(p.cfg.RoundRobin, vendor) {
		p.cfg.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	} else {
		rest := pool[1:]
		p.cfg.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	}
	for _, provider := range pool {
		if !p.yieldEntry(provider, yield) {
			return false
		}
	}
	return true
}

// yieldEntry yields one attempt and, when Call asked for it, one more without structured generation.
func (p *Pipeline) yieldEntry(provider providers.Provider, yield func(ProviderData) bool) bool {
	structured := p.structuredGeneration()
	p.retryWithoutSG = false
	if !yield(p.build(provider, structured)) {
		return false
	}
	if !p.retryWithoutSG {
		return true
	}
	p.retryWithoutSG = false
	return yield(p.build(provider, false))
}

func (p *Pipeline) build(provider providers.Provider, structured bool) ProviderData {
	opts := p.cfg.Options
	opts.Model = p.cfg.ModelData.Model
	opts.ModelID = p.cfg.ModelData.VendorModelID(provider.Name())
	opts.StructuredGeneration = structured
	opts.PDFAsImage = !p.cfg.ModelData.SupportsInputPDF && p.cfg.ModelData.SupportsInputImage
	return ProviderData{
		Provider:     provider,
		TemplateName: templates.Sanitize(p.cfg.TemplateName, p.cfg.ToolUse, structured, p.cfg.ModelData.SupportsInputSchema),
		Options:      opts,
		ModelData:    p.cfg.ModelData,
	}
}

// Call runs fn for one attempt. It returns true on success. A false result with a nil error
// means the failure was absorbed and dispatch should continue with the next attempt.
func (p *Pipeline) Call(data ProviderData, fn func() error) (bool, error) {
	err := fn()
	if err == nil {
		return true, nil
	}
	providerErr, ok := domain.AsProviderError(err)
	if !ok {
		return false, err
	}
	p.cfg.Reporter.Report(providerErr)

	if providerErr.Code == domain.CodeStructuredGeneration {
		if !p.pinned() && data.Options.StructuredGeneration {
			p.sgDisabled = true
			p.retryWithoutSG = true
			return false, nil
		}
		p.errs = append(p.errs, providerErr)
		return false, providerErr
	}

	p.errs = append(p.errs, providerErr)
	if providerErr.ConfigID != "" || providerErr.ShouldTryNextProvider {
		return false, nil
	}
	return false, providerErr
}

// Err is the error to surface once the attempts are exhausted.
func (p *Pipeline) Err() error {
	if len(p.errs) > 0 {
		return p.errs[0]
	}
	return domain.NoProviderSupportingModel(string(p.cfg.ModelData.Model))
}

// Errors returns the accumulated provider errors in capture order.
func (p *Pipeline) Errors() []error {
	return slices.Clone(p.errs)
}
