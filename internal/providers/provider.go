// Package providers defines the capability contract every upstream LLM
// adapter implements, and a small registry used to wire named adapters into
// the router at startup.
package providers

import (
	"context"

	"github.com/tributary-ai/llm-gateway/internal/types"
)

// Provider is the capability-based replacement for the base's abstract
// adapter hierarchy: two methods, implementations plugged in by name.
type Provider interface {
	// Name is the adapter's identity in candidate lists, blacklist keys,
	// and rate-limit keys.
	Name() string

	// Generate performs a unary call and awaits the full response.
	Generate(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error)

	// Stream returns a channel of decoded text fragments in emission order.
	// The channel is closed on normal upstream end-of-stream. A failure is
	// delivered as the final value on errc before errc is closed. Both
	// channels must be drained; Stream must stop producing and release its
	// upstream connection promptly when ctx is cancelled.
	Stream(ctx context.Context, req *types.ChatRequest) (chunks <-chan string, errc <-chan error)
}

// Registry is an ordered, named collection of providers. Order is routing
// priority: index 0 is tried first.
type Registry struct {
	names     []string
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register appends a provider to the end of the priority order. Registering
// the same name twice replaces the adapter but keeps its original position.
func (r *Registry) Register(p Provider) {
	name := p.Name()
	if _, exists := r.providers[name]; !exists {
		r.names = append(r.names, name)
	}
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Ordered returns providers in priority order.
func (r *Registry) Ordered() []Provider {
	out := make([]Provider, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.providers[name])
	}
	return out
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
