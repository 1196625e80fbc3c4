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

package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lynkr/gateway/policy"
	"lynkr/gateway/protocol"
	"lynkr/gateway/provider"
	"lynkr/gateway/resilience"
)

// scriptedDispatcher returns pre-built responses in order, then keeps
// repeating the last one. A nil entry means "fail this call".
type scriptedDispatcher struct {
	name      string
	responses []*protocol.Response
	failWith  error

	mu    sync.Mutex
	calls int
	seen  []*protocol.Request
}

func (s *scriptedDispatcher) Name() string                    { return s.name }
func (s *scriptedDispatcher) Descriptor() provider.Descriptor { return provider.Descriptor{Name: s.name} }

func (s *scriptedDispatcher) Invoke(_ context.Context, req *protocol.Request) (*protocol.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = append(s.seen, req.Clone())
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	if idx < 0 || s.responses[idx] == nil {
		return nil, s.failWith
	}
	return s.responses[idx], nil
}

func (s *scriptedDispatcher) InvokeStream(context.Context, *protocol.Request) (io.ReadCloser, error) {
	return nil, &provider.DispatchError{Kind: provider.KindClientError, Provider: s.name, Status: 400}
}

func (s *scriptedDispatcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func textResponse(text string) *protocol.Response {
	return &protocol.Response{
		ID:         "resp_1",
		Parts:      []protocol.Part{protocol.TextPart(text)},
		StopReason: protocol.StopEndTurn,
		Usage:      protocol.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolUseResponse(id, name, args string) *protocol.Response {
	return &protocol.Response{
		ID:         "resp_tool",
		Parts:      []protocol.Part{protocol.ToolUsePart(id, name, json.RawMessage(args))},
		StopReason: protocol.StopToolUse,
		Usage:      protocol.Usage{InputTokens: 20, OutputTokens: 8},
	}
}

func newTestOrchestrator(t *testing.T, cfg policy.Config, executor ToolExecutor) *Orchestrator {
	t.Helper()
	engine, err := policy.New(cfg)
	require.NoError(t, err)
	if executor == nil {
		executor = EchoExecutor()
	}
	retry := resilience.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond}
	return New(resilience.NewBreakerRegistry(resilience.BreakerConfig{}), retry, engine, executor)
}

func userRequest(text string) *protocol.Request {
	return &protocol.Request{
		Model: "test-model",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Parts: []protocol.Part{protocol.TextPart(text)}},
		},
	}
}

func TestRunTerminalResponseEndsTurn(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{textResponse("hello")}}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	result, err := o.Run(context.Background(), userRequest("hi"), []provider.Dispatcher{d}, "req-1", Limits{})
	require.NoError(t, err)

	assert.Equal(t, ReasonEndTurn, result.Reason)
	assert.Equal(t, 1, result.Steps)
	assert.Equal(t, "primary", result.Provider)
	assert.Equal(t, "hello", result.Response.Text())
	assert.Equal(t, 1, d.callCount())
	assert.False(t, result.FallbackUsed)
}

func TestRunToolUseLoop(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "echo", `{"text":"pong"}`),
		textResponse("the tool said pong"),
	}}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	req := userRequest("ping the echo tool")
	result, err := o.Run(context.Background(), req, []provider.Dispatcher{d}, "req-2", Limits{})
	require.NoError(t, err)

	assert.Equal(t, ReasonEndTurn, result.Reason)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 2, d.callCount())
	assert.Equal(t, protocol.Usage{InputTokens: 30, OutputTokens: 13}, result.Usage)

	// Caller's request is never mutated.
	assert.Len(t, req.Messages, 1)

	// The second call carries the folded assistant turn and tool
	// result, in that order.
	second := d.seen[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, protocol.RoleAssistant, second.Messages[1].Role)
	require.Len(t, second.Messages[2].Parts, 1)
	tr := second.Messages[2].Parts[0].ToolResult
	require.NotNil(t, tr)
	assert.Equal(t, "call_1", tr.ToolUseID)
	assert.Equal(t, "pong", tr.Content)
	assert.False(t, tr.IsError)
}

func TestRunDenialFoldsAsErrorResult(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "web_fetch", `{"url":"http://example.com"}`),
		textResponse("understood, skipping the fetch"),
	}}
	cfg := policy.DefaultConfig()
	cfg.DenyTools = []string{"web_fetch"}
	o := newTestOrchestrator(t, cfg, nil)

	result, err := o.Run(context.Background(), userRequest("fetch something"), []provider.Dispatcher{d}, "req-3", Limits{})
	require.NoError(t, err)

	assert.Equal(t, ReasonEndTurn, result.Reason)
	require.Len(t, d.seen, 2)
	tr := d.seen[1].Messages[2].Parts[0].ToolResult
	require.NotNil(t, tr)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "denied by policy")
}

func TestRunCriticalDenialTerminates(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "bash", `{"command":"rm -rf /"}`),
	}}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	result, err := o.Run(context.Background(), userRequest("clean up"), []provider.Dispatcher{d}, "req-4", Limits{})
	require.NoError(t, err)

	assert.Equal(t, ReasonPolicyDenied, result.Reason)
	assert.Equal(t, 1, d.callCount())
}

func TestRunStepLimit(t *testing.T) {
	// Every response asks for another tool call, so the loop only
	// stops at the step budget.
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "echo", `{"text":"again"}`),
	}}
	cfg := policy.DefaultConfig()
	cfg.MaxToolCallsPerTurn = 100
	cfg.MaxStepsPerTurn = 100
	o := newTestOrchestrator(t, cfg, nil)

	result, err := o.Run(context.Background(), userRequest("loop"), []provider.Dispatcher{d}, "req-5", Limits{MaxSteps: 3})
	require.NoError(t, err)

	assert.Equal(t, ReasonStepLimit, result.Reason)
	assert.Equal(t, 3, result.Steps)
	assert.Equal(t, 3, d.callCount())
}

func TestRunToolCallCap(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "echo", `{"text":"again"}`),
	}}
	cfg := policy.DefaultConfig()
	cfg.MaxToolCallsPerTurn = 2
	cfg.MaxStepsPerTurn = 100
	o := newTestOrchestrator(t, cfg, nil)

	result, err := o.Run(context.Background(), userRequest("loop"), []provider.Dispatcher{d}, "req-6", Limits{MaxSteps: 10})
	require.NoError(t, err)

	assert.Equal(t, ReasonToolLimit, result.Reason)
	assert.Equal(t, 3, d.callCount())
}

func TestRunFallbackOnPrimaryFailure(t *testing.T) {
	primary := &scriptedDispatcher{
		name:     "primary",
		failWith: &provider.DispatchError{Kind: provider.KindServerError, Provider: "primary", Status: 503},
	}
	fallback := &scriptedDispatcher{name: "fallback", responses: []*protocol.Response{textResponse("served by fallback")}}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	var observed string
	var observedOK bool
	o.OnFallback(func(name string, ok bool) {
		observed = name
		observedOK = ok
	})

	result, err := o.Run(context.Background(), userRequest("hi"), []provider.Dispatcher{primary, fallback}, "req-7", Limits{})
	require.NoError(t, err)

	assert.Equal(t, ReasonEndTurn, result.Reason)
	assert.True(t, result.FallbackUsed)
	assert.Equal(t, "fallback", result.Provider)
	assert.Equal(t, "served by fallback", result.Response.Text())
	assert.Equal(t, "fallback", observed)
	assert.True(t, observedOK)
}

func TestRunBothProvidersFail(t *testing.T) {
	fail := &provider.DispatchError{Kind: provider.KindServerError, Provider: "x", Status: 502}
	primary := &scriptedDispatcher{name: "primary", failWith: fail}
	fallback := &scriptedDispatcher{name: "fallback", failWith: fail}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	_, err := o.Run(context.Background(), userRequest("hi"), []provider.Dispatcher{primary, fallback}, "req-8", Limits{})
	require.Error(t, err)

	var oErr *Error
	require.ErrorAs(t, err, &oErr)
	assert.Equal(t, ReasonUpstreamExhausted, oErr.Reason)
}

func TestRunCancellationSkipsFallback(t *testing.T) {
	primary := &scriptedDispatcher{name: "primary", failWith: context.Canceled}
	fallback := &scriptedDispatcher{name: "fallback", responses: []*protocol.Response{textResponse("never")}}

	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)
	_, err := o.Run(context.Background(), userRequest("hi"), []provider.Dispatcher{primary, fallback}, "req-9", Limits{})

	require.Error(t, err)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 0, fallback.callCount())
}

func TestRunEmptyChain(t *testing.T) {
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)
	_, err := o.Run(context.Background(), userRequest("hi"), nil, "req-10", Limits{})

	var oErr *Error
	require.ErrorAs(t, err, &oErr)
	assert.Equal(t, ReasonUpstreamExhausted, oErr.Reason)
}

func TestRunToolExecutorError(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "flaky", `{}`),
		textResponse("done"),
	}}
	executor := ToolExecutorFunc(func(context.Context, string, json.RawMessage) (string, error) {
		return "", assert.AnError
	})
	o := newTestOrchestrator(t, policy.DefaultConfig(), executor)

	_, err := o.Run(context.Background(), userRequest("run it"), []provider.Dispatcher{d}, "req-11", Limits{})
	require.NoError(t, err)

	tr := d.seen[1].Messages[2].Parts[0].ToolResult
	require.NotNil(t, tr)
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "error")
}

func TestRunToolTimeout(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "slow", `{}`),
		textResponse("done"),
	}}
	executor := ToolExecutorFunc(func(ctx context.Context, _ string, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	o := newTestOrchestrator(t, policy.DefaultConfig(), executor)

	_, err := o.Run(context.Background(), userRequest("run it"), []provider.Dispatcher{d}, "req-12",
		Limits{ToolTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	tr := d.seen[1].Messages[2].Parts[0].ToolResult
	require.NotNil(t, tr)
	assert.True(t, tr.IsError)
	assert.Equal(t, `{"error":"timeout"}`, tr.Content)
}

func TestRunParallelToolsPreserveOrder(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		{
			ID: "resp_multi",
			Parts: []protocol.Part{
				protocol.ToolUsePart("call_a", "echo", json.RawMessage(`{"text":"first"}`)),
				protocol.ToolUsePart("call_b", "echo", json.RawMessage(`{"text":"second"}`)),
				protocol.ToolUsePart("call_c", "echo", json.RawMessage(`{"text":"third"}`)),
			},
			StopReason: protocol.StopToolUse,
		},
		textResponse("done"),
	}}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	_, err := o.Run(context.Background(), userRequest("fan out"), []provider.Dispatcher{d}, "req-13", Limits{})
	require.NoError(t, err)

	parts := d.seen[1].Messages[2].Parts
	require.Len(t, parts, 3)
	assert.Equal(t, "call_a", parts[0].ToolResult.ToolUseID)
	assert.Equal(t, "first", parts[0].ToolResult.Content)
	assert.Equal(t, "call_b", parts[1].ToolResult.ToolUseID)
	assert.Equal(t, "second", parts[1].ToolResult.Content)
	assert.Equal(t, "call_c", parts[2].ToolResult.ToolUseID)
	assert.Equal(t, "third", parts[2].ToolResult.Content)
}

func TestRunOnStepObserver(t *testing.T) {
	d := &scriptedDispatcher{name: "primary", responses: []*protocol.Response{
		toolUseResponse("call_1", "echo", `{"text":"x"}`),
		textResponse("done"),
	}}
	o := newTestOrchestrator(t, policy.DefaultConfig(), nil)

	var steps int
	o.OnStep(func(name string, _ time.Duration, err error) {
		steps++
		assert.Equal(t, "primary", name)
		assert.NoError(t, err)
	})

	_, err := o.Run(context.Background(), userRequest("hi"), []provider.Dispatcher{d}, "req-14", Limits{})
	require.NoError(t, err)
	assert.Equal(t, 2, steps)
}

func TestSessionStoreLifecycle(t *testing.T) {
	store := NewSessionStore(time.Minute)
	defer store.Stop()

	sess := store.Get("", "user-1")
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "user-1", sess.UserID)

	again := store.Get(sess.ID, "user-1")
	assert.Same(t, sess, again)
	assert.Equal(t, 1, store.Len())

	other := store.Get("explicit-id", "user-2")
	assert.Equal(t, "explicit-id", other.ID)
	assert.Equal(t, 2, store.Len())
}

func TestSessionStoreExpiry(t *testing.T) {
	store := NewSessionStore(time.Nanosecond)
	defer store.Stop()

	store.Get("short-lived", "user-1")
	time.Sleep(5 * time.Millisecond)
	store.expire()

	assert.Equal(t, 0, store.Len())
}
