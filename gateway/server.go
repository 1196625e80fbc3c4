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

// Package gateway is the HTTP surface: protocol endpoints, admission
// control middleware, discovery, health, and metrics.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"lynkr/gateway/config"
	"lynkr/gateway/health"
	"lynkr/gateway/limits"
	"lynkr/gateway/orchestrator"
	"lynkr/gateway/provider"
	"lynkr/gateway/resilience"
	"lynkr/gateway/router"
	"lynkr/gateway/shared/logger"
)

var gwLog = logger.New("gateway")

// ErrPortInUse marks a listener bind failure so main can exit with
// the right code.
var ErrPortInUse = fmt.Errorf("gateway: port bind failed")

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Store
	Registry *provider.Registry
	Breakers *resilience.BreakerRegistry
	Orch     *orchestrator.Orchestrator
	Rate     limits.RateLimiter
	Budget   *limits.BudgetManager
	Shedder  *limits.LoadShedder
	Tracker  *health.Tracker
	Sessions *orchestrator.SessionStore
}

// Server owns the HTTP surface and its singletons.
type Server struct {
	cfg      *config.Store
	registry *provider.Registry
	breakers *resilience.BreakerRegistry
	router   *router.Router
	orch     *orchestrator.Orchestrator
	rate     limits.RateLimiter
	budget   *limits.BudgetManager
	shedder  *limits.LoadShedder
	tracker  *health.Tracker
	sessions *orchestrator.SessionStore
	metrics  *Metrics

	httpSrv *http.Server
	ready   atomic.Bool
}

// NewServer wires the server and hooks the orchestrator's observers
// into health tracking and metrics.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		registry: opts.Registry,
		breakers: opts.Breakers,
		orch:     opts.Orch,
		rate:     opts.Rate,
		budget:   opts.Budget,
		shedder:  opts.Shedder,
		tracker:  opts.Tracker,
		sessions: opts.Sessions,
		metrics:  NewMetrics(),
	}

	routing := opts.Config.Current().Routing
	s.router = router.New(router.Config{
		PreferLocal:      routing.PreferLocal,
		LocalProvider:    routing.LocalProvider,
		LocalMaxTools:    routing.LocalMaxTools,
		MidTierProvider:  routing.MidTierProvider,
		DefaultProvider:  routing.DefaultProvider,
		FallbackProvider: routing.FallbackProvider,
		FallbackEnabled:  routing.FallbackEnabled,
	}, opts.Registry, opts.Tracker)

	s.orch.OnStep(func(name string, latency time.Duration, err error) {
		s.tracker.Observe(name, latency, err)
		s.metrics.ObserveUpstream(name, err)
	})
	s.orch.OnFallback(func(_ string, success bool) {
		s.metrics.ObserveFallback(success)
	})

	return s
}

// Handler builds the routed HTTP handler with the middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Inference endpoints go through full admission control.
	r.Handle("/v1/messages", s.admission(http.HandlerFunc(s.handleMessages))).Methods("POST")
	r.Handle("/v1/chat/completions", s.admission(http.HandlerFunc(s.handleChatCompletions))).Methods("POST")
	r.Handle("/v1/responses", s.admission(http.HandlerFunc(s.handleResponses))).Methods("POST")
	r.Handle("/v1/embeddings", s.admission(http.HandlerFunc(s.handleEmbeddings))).Methods("POST")

	// Token counting is cheap and skips rate/budget admission.
	r.HandleFunc("/v1/messages/count_tokens", s.handleCountTokens).Methods("POST")

	// Discovery.
	r.HandleFunc("/v1/models", s.handleModels).Methods("GET")
	r.HandleFunc("/v1/providers", s.handleProviders).Methods("GET")
	r.HandleFunc("/v1/config", s.handleConfig).Methods("GET")

	// Health.
	r.HandleFunc("/health/live", s.handleLive).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/health/providers", s.handleProviderHealth).Methods("GET")

	// Observability.
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.Handle("/metrics/prometheus", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/metrics/circuit-breakers", s.handleBreakerMetrics).Methods("GET")
	r.HandleFunc("/metrics/load-shedding", s.handleShedMetrics).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return c.Handler(withRequestID(s.withRecovery(s.withObservability(r))))
}

func (s *Server) corsOrigins() []string {
	origins := s.cfg.Current().Server.CORSOrigins
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// Start binds the listener and serves until Shutdown. A bind failure
// returns an error wrapping ErrPortInUse.
func (s *Server) Start() error {
	port := s.cfg.Current().Server.Port
	addr := fmt.Sprintf(":%d", port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPortInUse, err)
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	gwLog.Info("", "", "gateway listening", map[string]interface{}{"addr": addr})

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown flips readiness and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.sessions != nil {
		s.sessions.Stop()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
