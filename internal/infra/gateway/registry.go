package gateway

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"
	"github.com/shopspring/decimal"
)

// saoPaulo is the providers' local time (no DST since 2019).
var saoPaulo = time.FixedZone("America/Sao_Paulo", -3*60*60)

// money renders an amount as a JSON number with two decimals.
func money(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}

// Registry resolves adapters by provider.
type Registry struct {
	gateways map[domain.Provider]port.Gateway
}

// NewRegistry indexes the given adapters by their provider.
func NewRegistry(gateways ...port.Gateway) *Registry {
	r := &Registry{gateways: make(map[domain.Provider]port.Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	return r
}

// Get returns the adapter for provider.
func (r *Registry) Get(provider domain.Provider) (port.Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "gateway", ID: string(provider)}
	}
	return g, nil
}

// Providers lists the configured providers in a stable order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
