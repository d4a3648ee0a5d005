// Package provider implements the availability side of routing: a registry
// of live providers built from profile config, with circuit-breaker-gated
// HTTP reachability probes. Probes only check that the endpoint answers;
// they never invoke a model.
package provider

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/af-corp/prism-router/internal/config"
	"github.com/af-corp/prism-router/internal/routing"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 3 * time.Second
	defaultFailureThreshold = 3
	defaultRecoveryProbe    = 15 * time.Second
)

// HTTPProvider reports availability for one configured endpoint. Probe
// results are cached for probeInterval and guarded by a circuit breaker, so
// IsAvailable is cheap on the routing hot path.
type HTTPProvider struct {
	id      string
	kind    string
	baseURL string
	models  map[string]bool
	client  *http.Client
	breaker *CircuitBreaker

	mu         sync.Mutex
	lastProbe  time.Time
	lastResult bool

	probeInterval time.Duration
}

// ID returns the provider id.
func (p *HTTPProvider) ID() string { return p.id }

// Kind returns the provider kind (openai-compat, ollama).
func (p *HTTPProvider) Kind() string { return p.kind }

// Supports reports whether the provider is configured with the model.
func (p *HTTPProvider) Supports(modelName string) bool {
	return p.models[modelName]
}

// probePath is the cheapest endpoint that proves the service is up.
func (p *HTTPProvider) probePath() string {
	if p.kind == config.KindOllama {
		return "/api/tags"
	}
	return "/models"
}

// IsAvailable reports whether the endpoint answered a recent reachability
// probe. Results are cached for the probe interval; an open circuit reports
// unavailable without touching the network.
func (p *HTTPProvider) IsAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastProbe) < p.probeInterval {
		return p.lastResult
	}
	if !p.breaker.Allow() {
		p.lastProbe = time.Now()
		p.lastResult = false
		return false
	}

	ok := p.probe()
	if ok {
		p.breaker.RecordSuccess()
	} else {
		p.breaker.RecordFailure()
	}
	p.lastProbe = time.Now()
	p.lastResult = ok
	return ok
}

func (p *HTTPProvider) probe() bool {
	url := strings.TrimSuffix(p.baseURL, "/") + p.probePath()
	resp, err := p.client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Registry resolves provider ids to live providers. It implements
// routing.Directory.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]routing.Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]routing.Provider)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(p routing.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (routing.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Replace swaps the whole provider set, used on config reload.
func (r *Registry) Replace(other *Registry) {
	other.mu.RLock()
	providers := make(map[string]routing.Provider, len(other.providers))
	for id, p := range other.providers {
		providers[id] = p
	}
	other.mu.RUnlock()

	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()
}

// BuildFromProfile builds HTTP-probing providers for every provider in the
// profile.
func BuildFromProfile(profile *config.ProfileConfig) *Registry {
	registry := NewRegistry()
	for _, pc := range profile.Providers {
		models := make(map[string]bool, len(pc.Models))
		for _, m := range pc.Models {
			models[m.Name] = true
		}
		registry.Register(&HTTPProvider{
			id:            pc.ID,
			kind:          pc.Kind,
			baseURL:       pc.BaseURL,
			models:        models,
			client:        &http.Client{Timeout: defaultProbeTimeout},
			breaker:       NewCircuitBreaker(defaultFailureThreshold, defaultRecoveryProbe),
			probeInterval: defaultProbeInterval,
		})
	}
	return registry
}
