package models

import (
	"fmt"
	"slices"
	"sync"

	"github.com/bcrosbie/agentdispatch/internal/domain"
)

type Registry struct {
	order []Model
	data  map[Model]ModelData
}

func NewRegistry(entries []ModelData) (*Registry, error) {
	registry := &Registry{
		order: make([]Model, 0, len(entries)),
		data:  make(map[Model]ModelData, len(entries)),
	}
	for _, entry := range entries {
		if _, exists := registry.data[entry.Model]; exists {
			return nil, fmt.Errorf("model %s registered twice", entry.Model)
		}
		if err := validate(entry); err != nil {
			return nil, err
		}
		registry.order = append(registry.order, entry.Model)
		registry.data[entry.Model] = entry
	}
	return registry, nil
}

func validate(entry ModelData) error {
	if entry.Model == "" {
		return fmt.Errorf("model name is required")
	}
	if len(entry.Providers) == 0 {
		return fmt.Errorf("model %s has no providers", entry.Model)
	}
	seen := map[Provider]struct{}{}
	for _, item := range entry.Providers {
		if _, dup := seen[item.Provider]; dup {
			return fmt.Errorf("model %s lists provider %s twice", entry.Model, item.Provider)
		}
		seen[item.Provider] = struct{}{}
	}
	if _, ok := seen[entry.ProviderForPricing]; !ok {
		return fmt.Errorf("model %s prices with %s which is not among its providers", entry.Model, entry.ProviderForPricing)
	}
	return nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from the static model table.
func Default() *Registry {
	defaultOnce.Do(func() {
		registry, err := NewRegistry(modelTable())
		if err != nil {
			panic(fmt.Sprintf("invalid model table: %v", err))
		}
		defaultRegistry = registry
	})
	return defaultRegistry
}

// ModelData resolves model, keeping only the allowed providers in declared order.
func (r *Registry) ModelData(model Model, allowed ...Provider) (ModelData, error) {
	data, ok := r.data[model]
	if !ok {
		return ModelData{}, domain.ProviderDoesNotSupportModel(string(model))
	}
	if len(allowed) == 0 {
		return data, nil
	}
	filtered := make([]ProviderModelData, 0, len(data.Providers))
	for _, item := range data.Providers {
		if slices.Contains(allowed, item.Provider) {
			filtered = append(filtered, item)
		}
	}
	if len(filtered) == 0 {
		return ModelData{}, domain.ProviderDoesNotSupportModel(string(model))
	}
	data.Providers = filtered
	return data, nil
}

func (r *Registry) Pricing(model Model, provider Provider) (Pricing, bool) {
	data, ok := r.data[model]
	if !ok {
		return Pricing{}, false
	}
	item, ok := data.ProviderData(provider)
	if !ok {
		return Pricing{}, false
	}
	return item.Pricing, true
}

func (r *Registry) List() []ModelData {
	out := make([]ModelData, 0, len(r.order))
	for _, model := range r.order {
		out = append(out, r.data[model])
	}
	return out
}
