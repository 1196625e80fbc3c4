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

// Command lynkr runs the protocol-translating LLM gateway.
//
// Exit codes: 0 normal shutdown, 1 fatal configuration error, 2 port
// bind failure, 3 unhandled panic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lynkr/gateway/config"
	"lynkr/gateway/gateway"
	"lynkr/gateway/health"
	"lynkr/gateway/limits"
	"lynkr/gateway/orchestrator"
	"lynkr/gateway/policy"
	"lynkr/gateway/provider"
	"lynkr/gateway/resilience"
	"lynkr/gateway/shared/logger"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
	exitPanic       = 3
)

var mainLog = logger.New("main")

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if rec := recover(); rec != nil {
			mainLog.Error("", "", "unhandled panic", map[string]interface{}{
				"panic": fmt.Sprintf("%v", rec),
			})
			code = exitPanic
		}
	}()

	configPath := flag.String("config", os.Getenv("LYNKR_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		mainLog.Error("", "", "configuration error", map[string]interface{}{
			"error": err.Error(),
		})
		return exitConfigError
	}
	logger.SetGlobalLevel(logger.ParseLevel(cfg.Logging.Level))

	store := config.NewStore(*configPath, cfg)
	registry := buildRegistry(cfg)

	if *configPath != "" {
		if err := store.Watch(); err != nil {
			mainLog.Warn("", "", "config hot-reload disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			defer store.Close()
		}
		store.OnReload(func(next *config.Config) {
			logger.SetGlobalLevel(logger.ParseLevel(next.Logging.Level))
			// Rebuilt dispatchers pick up rotated credentials and
			// model ids on the next request.
			for _, d := range buildDispatchers(next) {
				registry.Register(d)
			}
		})
	}

	breakers := resilience.NewBreakerRegistry(resilience.BreakerConfig{})
	tracker := health.NewTracker(breakers)
	shedder := limits.NewLoadShedder(shedConfig(cfg))
	rate := buildRateLimiter(cfg)
	budget := limits.NewBudgetManager(budgetConfig(cfg), nil, buildUsageStore(cfg))

	engine, err := policy.New(policyConfig(cfg))
	if err != nil {
		mainLog.Error("", "", "invalid policy configuration", map[string]interface{}{
			"error": err.Error(),
		})
		return exitConfigError
	}

	orch := orchestrator.New(breakers, resilience.DefaultRetryConfig(), engine, orchestrator.EchoExecutor())

	sessions := orchestrator.NewSessionStore(sessionTTL(cfg))
	sessions.StartCleanup(time.Minute)

	server := gateway.NewServer(gateway.Options{
		Config:   store,
		Registry: registry,
		Breakers: breakers,
		Orch:     orch,
		Rate:     rate,
		Budget:   budget,
		Shedder:  shedder,
		Tracker:  tracker,
		Sessions: sessions,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			mainLog.Error("", "", "server failed", map[string]interface{}{
				"error": err.Error(),
			})
			if errors.Is(err, gateway.ErrPortInUse) {
				return exitBindError
			}
			return exitConfigError
		}
		return exitOK
	case sig := <-sigCh:
		mainLog.Info("", "", "shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		mainLog.Warn("", "", "shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return exitOK
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.FromEnv()
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w (set LYNKR_CONFIG or provider env vars)", err)
	}
	return cfg, nil
}

func buildRegistry(cfg *config.Config) *provider.Registry {
	registry := provider.NewRegistry()
	for _, d := range buildDispatchers(cfg) {
		registry.Register(d)
	}
	return registry
}

func buildDispatchers(cfg *config.Config) []provider.Dispatcher {
	var out []provider.Dispatcher
	for _, p := range cfg.Providers {
		desc := provider.Descriptor{
			Name:              p.Name,
			Dialect:           provider.Dialect(p.Dialect),
			Endpoint:          p.Endpoint,
			APIKey:            p.APIKey,
			DefaultModel:      p.DefaultModel,
			MaxTools:          p.MaxTools,
			SupportsTools:     p.SupportsTools,
			SupportsStreaming: p.SupportsStreaming,
			Local:             p.Local,
			Timeout:           p.Timeout(),
		}
		d, err := provider.NewDispatcher(desc)
		if err != nil {
			mainLog.Warn("", "", "skipping provider", map[string]interface{}{
				"provider": p.Name,
				"error":    err.Error(),
			})
			continue
		}
		out = append(out, d)
	}
	return out
}

func buildRateLimiter(cfg *config.Config) limits.RateLimiter {
	rateCfg := limits.RateConfig{
		PerMinute: cfg.Limits.RequestsPerMinute,
		PerHour:   cfg.Limits.RequestsPerHour,
	}
	if url := cfg.Limits.RedisURL; url != "" {
		limiter, err := limits.NewRedisRateLimiter(url, rateCfg)
		if err == nil {
			mainLog.Info("", "", "using redis rate limiter", nil)
			return limiter
		}
		mainLog.Warn("", "", "redis unavailable, falling back to in-memory rate limiter", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return limits.NewMemoryRateLimiter(rateCfg)
}

func buildUsageStore(cfg *config.Config) limits.UsageStore {
	if dsn := cfg.Limits.PostgresDSN; dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := limits.OpenPostgresStore(ctx, dsn)
		if err == nil {
			mainLog.Info("", "", "using postgres usage store", nil)
			return store
		}
		mainLog.Warn("", "", "postgres unavailable, falling back to in-memory usage store", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return limits.NewMemoryStore()
}

func budgetConfig(cfg *config.Config) limits.BudgetConfig {
	out := limits.DefaultBudgetConfig()
	if cfg.Limits.MonthlyTokens > 0 {
		out.MonthlyTokens = cfg.Limits.MonthlyTokens
	}
	if cfg.Limits.MonthlyRequests > 0 {
		out.MonthlyRequests = cfg.Limits.MonthlyRequests
	}
	if cfg.Limits.MonthlyCostCents > 0 {
		out.MonthlyCostCents = cfg.Limits.MonthlyCostCents
	}
	if cfg.Limits.AlertThreshold > 0 {
		out.AlertThreshold = cfg.Limits.AlertThreshold
	}
	return out
}

func shedConfig(cfg *config.Config) limits.ShedConfig {
	return limits.ShedConfig{
		HeapThreshold:     cfg.Limits.HeapThreshold,
		InFlightThreshold: cfg.Limits.InFlightThreshold,
	}
}

func policyConfig(cfg *config.Config) policy.Config {
	p := cfg.Policy
	if len(p.AllowTools) == 0 && len(p.DenyTools) == 0 && len(p.Commands) == 0 &&
		len(p.ShellTools) == 0 && !p.PermissiveByDefault {
		// No policy section in the config file.
		return policy.DefaultConfig()
	}
	out := policy.Config{
		AllowTools:          p.AllowTools,
		DenyTools:           p.DenyTools,
		ShellTools:          p.ShellTools,
		PermissiveByDefault: p.PermissiveByDefault,
		WorkspaceRoot:       p.WorkspaceRoot,
		PathDeny:            p.PathDeny,
		PathAllow:           p.PathAllow,
		MaxToolCallsPerTurn: p.MaxToolCallsPerTurn,
		MaxStepsPerTurn:     p.MaxStepsPerTurn,
	}
	if len(p.Commands) > 0 {
		out.Commands = make(map[string]policy.CommandRule, len(p.Commands))
		for cmd, rule := range p.Commands {
			out.Commands[cmd] = policy.CommandRule{
				Allowed:         rule.Allowed,
				AllowedFlags:    rule.AllowedFlags,
				BlockedPatterns: rule.BlockedPatterns,
				Severity:        policy.Severity(rule.Severity),
			}
		}
	}
	return out
}

func sessionTTL(cfg *config.Config) time.Duration {
	if cfg.Agent.SessionTTLMs > 0 {
		return time.Duration(cfg.Agent.SessionTTLMs) * time.Millisecond
	}
	return 30 * time.Minute
}
