// Package registry implements the Model Registry: it enumerates candidate
// models across the three provider classes, refreshes them on a
// per-provider TTL, and coalesces concurrent refreshes behind a single
// in-flight call, dispatching per provider via a tagged Provider variant.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/locallama/router/internal/backend"
	"github.com/locallama/router/internal/logging"
	"github.com/locallama/router/internal/model"
)

// DefaultTTL is the default per-provider refresh interval.
const DefaultTTL = 24 * time.Hour

// SharedCacheWindow is a 5-minute duration for sharing remote lookups. No
// code path reads it: remote refreshes are gated by the per-provider TTL,
// and concurrent callers share one in-flight refresh.
const SharedCacheWindow = 5 * time.Minute

// Clients groups one backend.Client per provider class.
type Clients struct {
	LocalStudio *backend.Client
	LocalOllama *backend.Client
	Remote      *backend.Client
}

// Registry is the Model Registry singleton, owned by the application entry
// point and passed by reference.
type Registry struct {
	clients Clients
	ttl     time.Duration

	mu          sync.Mutex
	models      map[string]model.Model // keyed by QualifiedID
	lastRefresh map[model.Provider]time.Time
	refreshing  map[model.Provider]*sync.WaitGroup
}

// New constructs a Registry. ttl of zero uses DefaultTTL.
func New(clients Clients, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		clients:     clients,
		ttl:         ttl,
		models:      make(map[string]model.Model),
		lastRefresh: make(map[model.Provider]time.Time),
		refreshing:  make(map[model.Provider]*sync.WaitGroup),
	}
}

// AvailableModels returns every currently known model across providers,
// refreshing any provider whose TTL has expired.
func (r *Registry) AvailableModels(ctx context.Context) ([]model.Model, error) {
	for _, p := range []model.Provider{model.ProviderLocalStudio, model.ProviderLocalOllama, model.ProviderRemoteAggregator} {
		r.refreshIfStale(ctx, p, false)
	}
	return r.snapshot(), nil
}

// FreeModels returns only models with zero cost. forceRefresh bypasses the
// TTL for the remote aggregator.
func (r *Registry) FreeModels(ctx context.Context, forceRefresh bool) ([]model.Model, error) {
	r.refreshIfStale(ctx, model.ProviderRemoteAggregator, forceRefresh)
	r.refreshIfStale(ctx, model.ProviderLocalStudio, false)
	r.refreshIfStale(ctx, model.ProviderLocalOllama, false)

	var out []model.Model
	for _, m := range r.snapshot() {
		if m.IsFree() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Get looks up a single model by provider and id.
func (r *Registry) Get(provider model.Provider, id string) (model.Model, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[string(provider)+":"+id]
	return m, ok
}

func (r *Registry) snapshot() []model.Model {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}

// refreshIfStale refreshes one provider's model list if its TTL has
// expired or force is set, coalescing concurrent callers onto one in-flight
// refresh.
func (r *Registry) refreshIfStale(ctx context.Context, provider model.Provider, force bool) {
	r.mu.Lock()
	if !force {
		if last, ok := r.lastRefresh[provider]; ok && time.Since(last) < r.ttl {
			r.mu.Unlock()
			return
		}
	}
	if wg, inFlight := r.refreshing[provider]; inFlight {
		r.mu.Unlock()
		wg.Wait()
		return
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	r.refreshing[provider] = wg
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.refreshing, provider)
		r.mu.Unlock()
		wg.Done()
	}()

	fetched, err := r.fetch(ctx, provider)
	if err != nil {
		// Provider-side failures do not invalidate prior data; the
		// previous list is returned with a warning.
		logging.Warn("model registry refresh failed, keeping stale data", "provider", provider, "error", err)
		return
	}

	r.mu.Lock()
	for _, m := range r.models {
		if m.Provider == provider {
			delete(r.models, m.QualifiedID())
		}
	}
	for _, m := range fetched {
		r.models[m.QualifiedID()] = m
	}
	r.lastRefresh[provider] = time.Now()
	r.mu.Unlock()
}

func (r *Registry) fetch(ctx context.Context, provider model.Provider) ([]model.Model, error) {
	switch provider {
	case model.ProviderLocalStudio:
		return r.fetchOpenAICompatible(ctx, r.clients.LocalStudio, provider)
	case model.ProviderLocalOllama:
		return r.fetchOpenAICompatible(ctx, r.clients.LocalOllama, provider)
	case model.ProviderRemoteAggregator:
		return r.fetchAggregator(ctx)
	default:
		return nil, nil
	}
}

func (r *Registry) fetchOpenAICompatible(ctx context.Context, c *backend.Client, provider model.Provider) ([]model.Model, error) {
	if c == nil {
		return nil, nil
	}
	if err := c.Healthcheck(ctx); err != nil {
		return nil, err
	}
	// Local endpoints are not guaranteed to expose a model-listing
	// endpoint; after a successful health check a single synthetic
	// default entry is registered per provider rather than enumerating a
	// catalog for local providers.
	return []model.Model{{
		Provider:           provider,
		ID:                 "default",
		DisplayName:        "default",
		ContextWindow:      8192,
		SupportsChat:       true,
		SupportsCompletion: true,
		DiscoveredAt:       time.Now(),
	}}, nil
}

func (r *Registry) fetchAggregator(ctx context.Context) ([]model.Model, error) {
	if r.clients.Remote == nil {
		return nil, nil
	}
	list, err := r.clients.Remote.ListAggregatorModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.Model, 0, len(list.Data))
	for _, am := range list.Data {
		out = append(out, model.Model{
			Provider:           model.ProviderRemoteAggregator,
			ID:                 am.ID,
			DisplayName:        am.ID,
			ContextWindow:      am.ContextLength,
			CostPerInputToken:  parsePriceOrZero(am.Pricing.Prompt),
			CostPerOutputToken: parsePriceOrZero(am.Pricing.Completion),
			SupportsChat:       true,
			DiscoveredAt:       time.Now(),
		})
	}
	return out, nil
}

func parsePriceOrZero(s string) float64 {
	var f float64
	n, err := fmt.Sscan(s, &f)
	if err != nil || n != 1 {
		return 0
	}
	return f
}
