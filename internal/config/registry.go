package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/ttsrelay/pkg/synth"
)

// ErrTransportNotRegistered is returned by [Registry.CreateTransport] when no
// factory has been registered under the requested name.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// TransportFactory builds a transport from the upstream section.
type TransportFactory func(UpstreamConfig) (synth.Transport, error)

// Registry maps transport names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]TransportFactory)}
}

// RegisterTransport registers factory under name, replacing any previous
// registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// Transports returns the registered names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateTransport builds the transport selected by cfg.Transport.
func (r *Registry) CreateTransport(cfg UpstreamConfig) (synth.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[cfg.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrTransportNotRegistered, cfg.Transport, r.Transports())
	}
	t, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create transport %q: %w", cfg.Transport, err)
	}
	return t, nil
}
