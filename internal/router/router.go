// Package router resolves requested model ids to the provider that serves
// them. Resolution depends only on the configured providers and their order.
package router

import (
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Route names the provider and the canonical model for a request.
type Route struct {
	Provider string
	Model    string
}

type Router struct {
	providers []domain.ProviderConfig
}

// New takes the providers in registration order. The slice is copied.
func New(providers []domain.ProviderConfig) *Router {
	return &Router{providers: append([]domain.ProviderConfig(nil), providers...)}
}

// Resolve tries an exact match against every provider's supported models,
// then a family match on the id with its final "-" segment removed. The
// first provider in registration order wins at each step.
func (r *Router) Resolve(model string) (Route, error) {
	if model == "" {
		return Route{}, domain.InvalidRequest("model is required")
	}

	for _, p := range r.providers {
		for _, m := range p.SupportedModels {
			if m == model {
				return Route{Provider: p.Name, Model: model}, nil
			}
		}
	}

	family := familyOf(model)
	for _, p := range r.providers {
		for _, prefix := range p.ModelFamilyPrefixes {
			if prefix != "" && strings.HasPrefix(family, prefix) {
				return Route{Provider: p.Name, Model: model}, nil
			}
		}
	}

	return Route{}, domain.UnsupportedModel(model)
}

// familyOf drops the last "-" delimited segment, usually a date or size
// suffix. Ids without "-" are returned whole.
func familyOf(model string) string {
	if i := strings.LastIndex(model, "-"); i > 0 {
		return model[:i]
	}
	return model
}

// Models lists every explicitly supported model with its provider. A model
// listed by more than one provider is reported once, for the provider
// Resolve would pick.
func (r *Router) Models() []domain.Model {
	seen := make(map[string]bool)
	var models []domain.Model
	for _, p := range r.providers {
		for _, m := range p.SupportedModels {
			if seen[m] {
				continue
			}
			seen[m] = true
			models = append(models, domain.Model{
				ID:       m,
				Object:   "model",
				OwnedBy:  p.Name,
				Provider: p.Name,
			})
		}
	}
	return models
}
