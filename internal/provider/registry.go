package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry resolves provider profiles. It is immutable after construction.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the built-in profiles plus overrides.
// Override fields left at zero inherit from the built-in (or default) profile.
func NewRegistry(overrides map[string]Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile)}

	for _, p := range builtinProfiles() {
		r.profiles[p.Provider] = p.merge(DefaultProfile)
	}

	for name, o := range overrides {
		name = strings.ToLower(name)
		o.Provider = name
		base, ok := r.profiles[name]
		if !ok {
			base = DefaultProfile
		}
		r.profiles[name] = o.merge(base)
	}

	for name, p := range r.profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("invalid profile %s: %w", name, err)
		}
	}
	return r, nil
}

// Get returns the profile for a provider, or the default profile tagged with
// the provider name when none is registered.
func (r *Registry) Get(name string) Profile {
	name = strings.ToLower(name)
	if p, ok := r.profiles[name]; ok {
		return p
	}
	p := DefaultProfile
	p.Provider = name
	return p
}

// List returns all registered profiles sorted by provider name.
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// ProviderOf extracts the provider from a model id of the form
// "provider:model". Unprefixed ids containing a slash are routed through
// openrouter; anything else is treated as openai.
func ProviderOf(modelID string) string {
	if i := strings.Index(modelID, ":"); i > 0 {
		return strings.ToLower(modelID[:i])
	}
	if strings.Contains(modelID, "/") {
		return "openrouter"
	}
	return "openai"
}

// ModelName strips the provider prefix from a model id.
func ModelName(modelID string) string {
	if i := strings.Index(modelID, ":"); i > 0 {
		return modelID[i+1:]
	}
	return modelID
}
