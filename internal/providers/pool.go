package providers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/bcrosbie/agentdispatch/internal/models"
)

// Pool holds every configured provider instance. Shared instances are grouped per vendor in
// registration order; custom instances are reachable only by their config id.
type Pool struct {
	shared map[models.Provider][]Provider
	custom map[string]Provider
}

func NewPool(configs []Config, client *http.Client) (*Pool, error) {
	pool := &Pool{
		shared: map[models.Provider][]Provider{},
		custom: map[string]Provider{},
	}
	for i, cfg := range configs {
		if strings.TrimSpace(cfg.ID) == "" {
			cfg.ID = fmt.Sprintf("%s-%d", cfg.Provider, i)
		}
		provider, err := New(cfg, client)
		if err != nil {
			return nil, err
		}
		if err := pool.Add(provider); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

func (p *Pool) Add(provider Provider) error {
	if id := provider.ConfigID(); id != "" {
		if _, exists := p.custom[id]; exists {
			return fmt.Errorf("duplicate custom provider config %q", id)
		}
		p.custom[id] = provider
		return nil
	}
	p.shared[provider.Name()] = append(p.shared[provider.Name()], provider)
	return nil
}

// Pool returns the shared instances for a vendor. The first entry is the primary.
func (p *Pool) Pool(provider models.Provider) []Provider {
	return p.shared[provider]
}

func (p *Pool) CustomConfig(id string) (Provider, bool) {
	provider, ok := p.custom[id]
	return provider, ok
}

// Configured lists vendors with at least one shared instance, in canonical order.
func (p *Pool) Configured() []models.Provider {
	out := make([]models.Provider, 0, len(p.shared))
	for _, provider := range models.AllProviders {
		if len(p.shared[provider]) > 0 {
			out = append(out, provider)
		}
	}
	return out
}
