// Copyright 2025 Lynkr
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router selects the provider chain for each request: a
// primary dispatcher plus an optional fallback. Selection follows a
// fixed decision order; an advisory complexity score is surfaced in
// response headers but never overrides configuration.
package router

import (
	"fmt"

	"lynkr/gateway/protocol"
	"lynkr/gateway/provider"
	"lynkr/gateway/shared/logger"
)

var routerLog = logger.New("router")

// Config fixes the routing topology for the life of the process.
type Config struct {
	// PreferLocal routes tool-light requests to LocalProvider.
	PreferLocal bool

	// LocalProvider is the on-host provider name, if any.
	LocalProvider string

	// LocalMaxTools is the tool-count ceiling for local routing.
	LocalMaxTools int

	// MidTierProvider is an optional aggregator tried before the
	// default for requests within its tool ceiling.
	MidTierProvider string

	// DefaultProvider receives everything not claimed above.
	DefaultProvider string

	// FallbackProvider, when enabled, is appended to every chain
	// whose primary differs from it. It must not be local.
	FallbackProvider string
	FallbackEnabled  bool
}

// HealthView is the router's read-only view of provider health. Used
// to break ties, never to override the decision order.
type HealthView interface {
	Healthy(name string) bool
}

// Decision is one routing outcome.
type Decision struct {
	Primary  provider.Dispatcher
	Fallback provider.Dispatcher // nil when no fallback applies

	// Complexity is the advisory score reported in headers.
	Complexity Score
}

// Chain returns the ordered dispatcher chain.
func (d Decision) Chain() []provider.Dispatcher {
	if d.Fallback == nil {
		return []provider.Dispatcher{d.Primary}
	}
	return []provider.Dispatcher{d.Primary, d.Fallback}
}

// Router picks a provider chain per request.
type Router struct {
	cfg      Config
	registry *provider.Registry
	health   HealthView // may be nil
}

// New creates a router over the registered providers.
func New(cfg Config, registry *provider.Registry, health HealthView) *Router {
	return &Router{cfg: cfg, registry: registry, health: health}
}

// Route applies the decision rule, in order: explicit override, local
// preference, mid-tier ceiling, configured default. The fallback is
// appended when enabled and distinct from the primary.
func (r *Router) Route(req *protocol.Request) (Decision, error) {
	decision := Decision{Complexity: ScoreRequest(req)}

	name, err := r.pickPrimary(req)
	if err != nil {
		return decision, err
	}
	primary, err := r.registry.Get(name)
	if err != nil {
		return decision, err
	}
	decision.Primary = primary

	if r.cfg.FallbackEnabled && r.cfg.FallbackProvider != "" && r.cfg.FallbackProvider != name {
		fallback, err := r.registry.Get(r.cfg.FallbackProvider)
		if err != nil {
			return decision, err
		}
		// A local fallback would cascade local failures.
		if !fallback.Descriptor().Local {
			decision.Fallback = fallback
		}
	}

	routerLog.Debug("", "", "routed request", map[string]interface{}{
		"primary":    name,
		"fallback":   fallbackName(decision.Fallback),
		"tools":      len(req.Tools),
		"complexity": decision.Complexity.Value,
	})
	return decision, nil
}

func (r *Router) pickPrimary(req *protocol.Request) (string, error) {
	if req.ProviderOverride != "" {
		if _, err := r.registry.Get(req.ProviderOverride); err != nil {
			return "", fmt.Errorf("provider override: %w", err)
		}
		return req.ProviderOverride, nil
	}

	toolCount := len(req.Tools)

	if r.cfg.PreferLocal && r.cfg.LocalProvider != "" && toolCount <= r.cfg.LocalMaxTools {
		if d, err := r.registry.Get(r.cfg.LocalProvider); err == nil {
			if toolCount == 0 || d.Descriptor().SupportsTools {
				return r.cfg.LocalProvider, nil
			}
		}
	}

	if r.cfg.MidTierProvider != "" {
		if d, err := r.registry.Get(r.cfg.MidTierProvider); err == nil {
			desc := d.Descriptor()
			withinCeiling := desc.MaxTools == 0 || toolCount <= desc.MaxTools
			if withinCeiling && r.isHealthy(r.cfg.MidTierProvider) {
				return r.cfg.MidTierProvider, nil
			}
		}
	}

	if r.cfg.DefaultProvider == "" {
		return "", fmt.Errorf("no default provider configured")
	}
	return r.cfg.DefaultProvider, nil
}

func (r *Router) isHealthy(name string) bool {
	if r.health == nil {
		return true
	}
	return r.health.Healthy(name)
}

func fallbackName(d provider.Dispatcher) string {
	if d == nil {
		return ""
	}
	return d.Name()
}
