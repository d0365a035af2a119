// Package llm routes provider-qualified model identifiers to chat backends
// and executes queries against them with bounded retry.
package llm

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hochfrequenz/evolve-orchestrator/internal/config"
)

// ErrProviderUnsupported is returned when no registered provider claims a model identifier.
var ErrProviderUnsupported = errors.New("provider unsupported")

// Provider is one registration in the dispatch table. A provider claims
// identifiers either by prefix (stripped before the call) or by exact name.
type Provider struct {
	Name     string
	Prefixes []string
	Models   []string
	Settings config.ProviderSettings
	New      func(config.ProviderSettings) (Backend, error)

	// SupportsJSONMode reports whether the endpoint honors response_format=json_object.
	SupportsJSONMode bool
	Pricing          PriceTable
}

// Handle is the result of a successful dispatch.
type Handle struct {
	Provider  string
	Backend   Backend
	ModelName string
	JSONMode  bool
	Price     Price
}

// ProviderInfo describes a registration for listings.
type ProviderInfo struct {
	Name     string   `json:"name"`
	Prefixes []string `json:"prefixes,omitempty"`
	Models   []string `json:"models,omitempty"`
	JSONMode bool     `json:"json_mode"`
}

// Registry maps model identifiers to providers. Backends are built on
// first dispatch and cached per provider. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	providers []*Provider
	exact     map[string]*Provider
	backends  map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]*Provider),
		backends: make(map[string]Backend),
	}
}

// Register adds a provider. It fails if any of the provider's prefixes or
// exact names could also be claimed by an existing registration.
func (r *Registry) Register(p Provider) error {
	if p.Name == "" {
		return fmt.Errorf("register provider: name is required")
	}
	if p.New == nil {
		return fmt.Errorf("register provider %s: constructor is required", p.Name)
	}
	if len(p.Prefixes) == 0 && len(p.Models) == 0 {
		return fmt.Errorf("register provider %s: no prefixes or models", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.providers {
		if existing.Name == p.Name {
			return fmt.Errorf("register provider %s: already registered", p.Name)
		}
		if claim, ok := overlaps(existing, &p); ok {
			return fmt.Errorf("register provider %s: %q overlaps provider %s", p.Name, claim, existing.Name)
		}
	}
	// Overlaps within the new registration itself
	self := &Provider{Name: p.Name}
	for _, prefix := range p.Prefixes {
		if prefix == "" {
			return fmt.Errorf("register provider %s: empty prefix", p.Name)
		}
		if claim, ok := overlaps(self, &Provider{Prefixes: []string{prefix}}); ok {
			return fmt.Errorf("register provider %s: prefix %q overlaps itself", p.Name, claim)
		}
		self.Prefixes = append(self.Prefixes, prefix)
	}
	for _, model := range p.Models {
		if claim, ok := overlaps(self, &Provider{Models: []string{model}}); ok {
			return fmt.Errorf("register provider %s: model %q overlaps itself", p.Name, claim)
		}
		self.Models = append(self.Models, model)
	}

	reg := p
	r.providers = append(r.providers, &reg)
	for _, m := range reg.Models {
		r.exact[m] = &reg
	}
	return nil
}

// overlaps reports the first claim of b that a could also match.
func overlaps(a, b *Provider) (string, bool) {
	for _, bp := range b.Prefixes {
		for _, ap := range a.Prefixes {
			if strings.HasPrefix(ap, bp) || strings.HasPrefix(bp, ap) {
				return bp, true
			}
		}
		for _, am := range a.Models {
			if strings.HasPrefix(am, bp) {
				return bp, true
			}
		}
	}
	for _, bm := range b.Models {
		for _, am := range a.Models {
			if am == bm {
				return bm, true
			}
		}
		for _, ap := range a.Prefixes {
			if strings.HasPrefix(bm, ap) {
				return bm, true
			}
		}
	}
	return "", false
}

// Dispatch resolves a model identifier to a backend handle. It performs no
// network I/O. On failure the returned handle is the zero value.
func (r *Registry) Dispatch(modelID string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, name := r.lookup(modelID)
	if p == nil {
		return Handle{}, fmt.Errorf("model %q: %w", modelID, ErrProviderUnsupported)
	}
	if name == "" {
		return Handle{}, fmt.Errorf("model %q: empty model name after provider prefix: %w", modelID, ErrProviderUnsupported)
	}

	backend, ok := r.backends[p.Name]
	if !ok {
		b, err := p.New(p.Settings)
		if err != nil {
			return Handle{}, fmt.Errorf("provider %s: %w", p.Name, err)
		}
		r.backends[p.Name] = b
		backend = b
	}

	return Handle{
		Provider:  p.Name,
		Backend:   backend,
		ModelName: name,
		JSONMode:  p.SupportsJSONMode,
		Price:     p.Pricing.For(name),
	}, nil
}

// Supports reports whether a model identifier would dispatch, without building a backend.
func (r *Registry) Supports(modelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, name := r.lookup(modelID)
	return p != nil && name != ""
}

func (r *Registry) lookup(modelID string) (*Provider, string) {
	if p, ok := r.exact[modelID]; ok {
		return p, modelID
	}
	for _, p := range r.providers {
		for _, prefix := range p.Prefixes {
			if strings.HasPrefix(modelID, prefix) {
				return p, strings.TrimPrefix(modelID, prefix)
			}
		}
	}
	return nil, ""
}

// Providers lists registrations sorted by name.
func (r *Registry) Providers() []ProviderInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, ProviderInfo{
			Name:     p.Name,
			Prefixes: append([]string(nil), p.Prefixes...),
			Models:   append([]string(nil), p.Models...),
			JSONMode: p.SupportsJSONMode,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
