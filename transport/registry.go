package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	loggingpkg "github.com/drblury/cardiocheck/internal/runtime/logging"
)

// Builder creates a connected broker from options.
type Builder func(ctx context.Context, opts Options, logger loggingpkg.ServiceLogger) (Broker, error)

// Registry maps transport names to their builders and capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder and its capabilities under name.
func (r *Registry) Register(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// Capabilities returns what the named transport supports. Unknown transports
// report only their name.
func (r *Registry) Capabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates a broker with the builder registered for opts.Transport.
func (r *Registry) Build(ctx context.Context, opts Options, logger loggingpkg.ServiceLogger) (Broker, error) {
	r.mu.RLock()
	builder, ok := r.builders[opts.Transport]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", opts.Transport, r.Names())
	}
	if logger == nil {
		logger = loggingpkg.NewNop()
	}

	return builder(ctx, opts, logger)
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.Register(name, builder, caps)
}

// GetCapabilities reads from the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.Capabilities(name)
}

// Build creates a broker using the default registry.
func Build(ctx context.Context, opts Options, logger loggingpkg.ServiceLogger) (Broker, error) {
	return DefaultRegistry.Build(ctx, opts, logger)
}
