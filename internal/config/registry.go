package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps names to constructors for live providers and audio device
// backends. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]func(ProviderEntry) (live.Provider, error)
	backends map[string]func(AudioConfig) (audio.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:     make(map[string]func(ProviderEntry) (live.Provider, error)),
		backends: make(map[string]func(AudioConfig) (audio.Backend, error)),
	}
}

// RegisterLive registers a live provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterBackend registers an audio backend factory under name.
func (r *Registry) RegisterBackend(name string, factory func(AudioConfig) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// CreateLive instantiates the live provider registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateBackend instantiates the audio backend registered under cfg.Backend.
func (r *Registry) CreateBackend(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// LiveNames returns the registered live provider names, sorted.
func (r *Registry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.live))
	for n := range r.live {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
