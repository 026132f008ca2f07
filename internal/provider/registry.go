package provider

import (
	"sort"
	"sync"

	"github.com/stoneforge/stoneforge/internal/types"
)

// Factory creates a fresh, unconfigured Provider instance.
type Factory func() Provider

// Registry maps provider names to factories. Provider packages register
// themselves at init time; the sync engine resolves them by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Factory
}

// globalRegistry backs the package-level Register and Get.
var globalRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Factory)}
}

// Register adds a factory to the global registry. Typically called from
// provider package init() functions; the name should be lowercase.
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// Get retrieves a factory from the global registry, or nil.
func Get(name string) Factory {
	return globalRegistry.Get(name)
}

// List returns the names registered in the global registry.
func List() []string {
	return globalRegistry.List()
}

// Register adds a factory to this registry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// Get retrieves a factory, or nil when the name is unknown.
func (r *Registry) Get(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a provider with the given name is registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// ConfiguredRegistry pairs a registry with per-provider connection settings
// and substitutes configured instances for placeholders at request time.
// Instances are cached, so repeated requests for one provider share a
// connection.
type ConfiguredRegistry struct {
	registry *Registry
	configs  map[string]Config

	mu        sync.Mutex
	instances map[string]Provider
}

// NewConfiguredRegistry wraps a registry with connection settings. A nil
// registry uses the global one.
func NewConfiguredRegistry(registry *Registry, configs map[string]Config) *ConfiguredRegistry {
	if registry == nil {
		registry = globalRegistry
	}
	return &ConfiguredRegistry{
		registry:  registry,
		configs:   configs,
		instances: make(map[string]Provider),
	}
}

// Provider returns a configured instance of the named provider, creating and
// configuring it on first request.
func (c *ConfiguredRegistry) Provider(name string) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.instances[name]; ok {
		return p, nil
	}
	factory := c.registry.Get(name)
	if factory == nil {
		return nil, types.E(types.KindNotFound, "unknown provider %q (available: %v)", name, c.registry.List())
	}
	cfg, ok := c.configs[name]
	if !ok {
		return nil, types.E(types.KindInvalidInput, "provider %q is not configured", name)
	}
	p := factory()
	if err := p.Configure(cfg); err != nil {
		return nil, err
	}
	c.instances[name] = p
	return p, nil
}

// Config returns the connection settings for a provider name.
func (c *ConfiguredRegistry) Config(name string) (Config, bool) {
	cfg, ok := c.configs[name]
	return cfg, ok
}

// Configured returns the names of providers that have connection settings,
// sorted.
func (c *ConfiguredRegistry) Configured() []string {
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every instantiated provider.
func (c *ConfiguredRegistry) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for name, p := range c.instances {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.instances, name)
	}
	return first
}
