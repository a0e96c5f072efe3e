package config

import (
	"fmt"
	"sort"
	"sync"
)

// ServerRegistry holds the supervised-child configurations, keyed by server
// id. Admin endpoints may add and remove entries at runtime (serve mode), so
// access is lock-protected.
type ServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// NewServerRegistry creates a registry from an initial map (may be nil).
func NewServerRegistry(servers map[string]ServerConfig) *ServerRegistry {
	m := make(map[string]ServerConfig, len(servers))
	for id, s := range servers {
		m[id] = s
	}
	return &ServerRegistry{servers: m}
}

// Get returns the configuration for a server id.
func (r *ServerRegistry) Get(id string) (ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	if !ok {
		return ServerConfig{}, fmt.Errorf("server %q not found in registry", id)
	}
	return s, nil
}

// Has reports whether the id is registered.
func (r *ServerRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[id]
	return ok
}

// IDs returns all server ids, sorted for deterministic iteration.
func (r *ServerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Put registers or replaces a server configuration.
func (r *ServerRegistry) Put(id string, cfg ServerConfig) {
	r.mu.Lock()
	r.servers[id] = cfg
	r.mu.Unlock()
}

// Delete removes a server configuration. Returns false if absent.
func (r *ServerRegistry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return false
	}
	delete(r.servers, id)
	return true
}

// ModelRegistry holds LLM model configurations, keyed by model id.
// Model configuration is fixed at startup.
type ModelRegistry struct {
	models map[string]ModelConfig
}

// NewModelRegistry creates a registry from an initial map (may be nil).
func NewModelRegistry(models map[string]ModelConfig) *ModelRegistry {
	m := make(map[string]ModelConfig, len(models))
	for id, cfg := range models {
		m[id] = cfg
	}
	return &ModelRegistry{models: m}
}

// Get returns the configuration for a model id.
func (r *ModelRegistry) Get(id string) (ModelConfig, error) {
	m, ok := r.models[id]
	if !ok {
		return ModelConfig{}, fmt.Errorf("model %q not found in registry", id)
	}
	return m, nil
}

// Has reports whether the id is registered.
func (r *ModelRegistry) Has(id string) bool {
	_, ok := r.models[id]
	return ok
}

// IDs returns all model ids, sorted.
func (r *ModelRegistry) IDs() []string {
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
