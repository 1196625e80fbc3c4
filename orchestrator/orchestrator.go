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

// Package orchestrator runs the bounded agent loop: invoke the
// upstream, evaluate tool-use against policy, execute allowed tools,
// fold results back into the conversation, and repeat until the model
// yields a terminal message or a budget is exhausted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lynkr/gateway/policy"
	"lynkr/gateway/protocol"
	"lynkr/gateway/provider"
	"lynkr/gateway/resilience"
	"lynkr/gateway/shared/logger"
)

var orchLog = logger.New("orchestrator")

// Termination reasons, observable in results and metrics.
const (
	ReasonEndTurn           = "end_turn"
	ReasonStepLimit         = "step_limit"
	ReasonToolLimit         = "tool_limit"
	ReasonTimeout           = "timeout"
	ReasonPolicyDenied      = "policy_denied"
	ReasonUpstreamExhausted = "upstream_exhausted"
)

// Limits bounds one orchestrated turn.
type Limits struct {
	MaxSteps           int
	MaxDuration        time.Duration
	ToolTimeout        time.Duration
	MaxConcurrentTools int
}

// DefaultLimits returns the standard turn budget.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:           8,
		MaxDuration:        5 * time.Minute,
		ToolTimeout:        30 * time.Second,
		MaxConcurrentTools: 8,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxSteps <= 0 {
		l.MaxSteps = def.MaxSteps
	}
	if l.MaxDuration <= 0 {
		l.MaxDuration = def.MaxDuration
	}
	if l.ToolTimeout <= 0 {
		l.ToolTimeout = def.ToolTimeout
	}
	if l.MaxConcurrentTools <= 0 {
		l.MaxConcurrentTools = def.MaxConcurrentTools
	}
	return l
}

// Result is one completed turn.
type Result struct {
	Response     *protocol.Response
	Reason       string
	Steps        int
	Usage        protocol.Usage
	Provider     string
	FallbackUsed bool
}

// Error wraps a turn that produced no terminal response.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestrator: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("orchestrator: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Orchestrator drives the agent loop for every non-streaming request.
type Orchestrator struct {
	breakers *resilience.BreakerRegistry
	retry    resilience.RetryConfig
	policy   *policy.Engine
	executor ToolExecutor

	// onStep observes each completed upstream call. Used for health
	// and metrics wiring; may be nil.
	onStep func(providerName string, latency time.Duration, err error)

	// onFallback observes fallback outcomes; may be nil.
	onFallback func(providerName string, success bool)
}

// New creates an orchestrator.
func New(breakers *resilience.BreakerRegistry, retry resilience.RetryConfig, engine *policy.Engine, executor ToolExecutor) *Orchestrator {
	return &Orchestrator{
		breakers: breakers,
		retry:    retry,
		policy:   engine,
		executor: executor,
	}
}

// OnStep registers an observer for each upstream call outcome.
func (o *Orchestrator) OnStep(fn func(providerName string, latency time.Duration, err error)) {
	o.onStep = fn
}

// OnFallback registers an observer for fallback outcomes.
func (o *Orchestrator) OnFallback(fn func(providerName string, success bool)) {
	o.onFallback = fn
}

// Run executes one turn. The request is cloned before folding so the
// caller's copy is never mutated.
func (o *Orchestrator) Run(ctx context.Context, req *protocol.Request, chain []provider.Dispatcher, requestID string, limits Limits) (*Result, error) {
	if len(chain) == 0 {
		return nil, &Error{Reason: ReasonUpstreamExhausted, Err: errors.New("empty provider chain")}
	}
	limits = limits.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, limits.MaxDuration)
	defer cancel()

	working := req.Clone()
	result := &Result{Provider: chain[0].Name()}
	toolCallsExecuted := 0

	for step := 0; ; step++ {
		if step >= limits.MaxSteps {
			return o.finish(result, ReasonStepLimit)
		}
		if ctx.Err() != nil {
			return o.finish(result, ReasonTimeout)
		}

		resp, providerName, usedFallback, err := o.invoke(ctx, working, chain, requestID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && result.Response != nil {
				return o.finish(result, ReasonTimeout)
			}
			return nil, &Error{Reason: ReasonUpstreamExhausted, Err: err}
		}
		result.Response = resp
		result.Provider = providerName
		result.FallbackUsed = result.FallbackUsed || usedFallback
		result.Usage.Add(resp.Usage)
		result.Steps = step + 1

		if resp.Terminal() {
			return o.finish(result, ReasonEndTurn)
		}

		// EVALUATE: policy-check every tool_use part.
		uses := resp.ToolUses()
		decisions := make([]policy.Decision, len(uses))
		for i, use := range uses {
			decisions[i] = o.policy.Evaluate(policy.ToolCall{
				ID:    use.ID,
				Name:  use.Name,
				Input: use.Input,
			}, policy.TurnContext{
				ToolCallsExecuted: toolCallsExecuted + i,
				Step:              step,
			})
			if decisions[i].Allowed {
				continue
			}
			switch decisions[i].Code {
			case policy.ReasonToolLimit, policy.ReasonStepLimit:
				return o.finish(result, ReasonToolLimit)
			}
			if decisions[i].Severity == policy.SeverityCritical {
				orchLog.Warn("", requestID, "critical policy denial terminates turn", map[string]interface{}{
					"tool":   use.Name,
					"reason": decisions[i].Reason,
				})
				return o.finish(result, ReasonPolicyDenied)
			}
		}

		// EXECUTE: allowed calls fan out; denials fold as error
		// results so the model sees its attempt was refused.
		results := o.execute(ctx, uses, decisions, limits)
		toolCallsExecuted += countAllowed(decisions)

		// FOLD: assistant response then ordered tool results.
		working.Messages = append(working.Messages,
			protocol.Message{Role: protocol.RoleAssistant, Parts: resp.Parts},
			protocol.Message{Role: protocol.RoleUser, Parts: results},
		)
	}
}

// finish returns the terminal result, or an Error when the turn never
// produced a response.
func (o *Orchestrator) finish(result *Result, reason string) (*Result, error) {
	result.Reason = reason
	if result.Response == nil {
		return nil, &Error{Reason: reason}
	}
	orchLog.Info("", "", "turn complete", map[string]interface{}{
		"reason":   reason,
		"steps":    result.Steps,
		"provider": result.Provider,
	})
	return result, nil
}

// invoke calls the primary through the breaker and retry engine,
// falling back once to the second chain entry when the primary path
// fails.
func (o *Orchestrator) invoke(ctx context.Context, req *protocol.Request, chain []provider.Dispatcher, requestID string) (*protocol.Response, string, bool, error) {
	primary := chain[0]
	resp, err := o.invokeOne(ctx, primary, req)
	if err == nil {
		return resp, primary.Name(), false, nil
	}
	if errors.Is(err, context.Canceled) || len(chain) < 2 {
		return nil, "", false, err
	}

	fallback := chain[1]
	orchLog.Warn("", requestID, "primary provider failed, trying fallback", map[string]interface{}{
		"primary":  primary.Name(),
		"fallback": fallback.Name(),
		"error":    err.Error(),
	})
	resp, fbErr := o.invokeOne(ctx, fallback, req)
	if o.onFallback != nil {
		o.onFallback(fallback.Name(), fbErr == nil)
	}
	if fbErr != nil {
		return nil, "", true, fmt.Errorf("primary: %w; fallback %s: %v", err, fallback.Name(), fbErr)
	}
	return resp, fallback.Name(), true, nil
}

func (o *Orchestrator) invokeOne(ctx context.Context, d provider.Dispatcher, req *protocol.Request) (*protocol.Response, error) {
	breaker := o.breakers.Get(d.Name())
	start := time.Now()
	resp, err := resilience.WithRetry(ctx, o.retry, func(ctx context.Context) (*protocol.Response, error) {
		return resilience.Do(ctx, breaker, func(ctx context.Context) (*protocol.Response, error) {
			return d.Invoke(ctx, req)
		})
	})
	if o.onStep != nil {
		o.onStep(d.Name(), time.Since(start), err)
	}
	return resp, err
}

func countAllowed(decisions []policy.Decision) int {
	n := 0
	for _, d := range decisions {
		if d.Allowed {
			n++
		}
	}
	return n
}
