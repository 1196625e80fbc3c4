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
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"lynkr/gateway/policy"
	"lynkr/gateway/protocol"
)

// ToolExecutor runs one local tool. Implementations (workspace,
// shell, web, MCP) live outside the gateway core.
type ToolExecutor interface {
	Exec(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, name string, args json.RawMessage) (string, error)

// Exec calls the wrapped function.
func (f ToolExecutorFunc) Exec(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return f(ctx, name, args)
}

// EchoExecutor answers every call with its "text" argument, or the
// raw arguments when no text is present. Used in tests and as the
// development default.
func EchoExecutor() ToolExecutor {
	return ToolExecutorFunc(func(_ context.Context, _ string, args json.RawMessage) (string, error) {
		if text := gjson.GetBytes(args, "text").String(); text != "" {
			return text, nil
		}
		return string(args), nil
	})
}

// execute runs the allowed tool calls concurrently, bounded by the
// fan-out cap, and returns one tool_result part per tool_use in the
// original order. Denied calls produce error results; timed-out calls
// produce {"error":"timeout"}.
func (o *Orchestrator) execute(ctx context.Context, uses []protocol.ToolUse, decisions []policy.Decision, limits Limits) []protocol.Part {
	results := make([]protocol.Part, len(uses))

	sem := make(chan struct{}, limits.MaxConcurrentTools)
	var wg sync.WaitGroup

	for i, use := range uses {
		if !decisions[i].Allowed {
			results[i] = protocol.ToolResultPart(use.ID,
				fmt.Sprintf("denied by policy: %s", decisions[i].Reason), true)
			continue
		}

		wg.Add(1)
		go func(i int, use protocol.ToolUse) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = o.runTool(ctx, use, limits.ToolTimeout)
		}(i, use)
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) runTool(ctx context.Context, use protocol.ToolUse, timeout time.Duration) protocol.Part {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		content, err := o.executor.Exec(toolCtx, use.Name, use.Input)
		done <- outcome{content, err}
	}()

	select {
	case <-toolCtx.Done():
		orchLog.Warn("", "", "tool execution timed out", map[string]interface{}{
			"tool":       use.Name,
			"timeout_ms": timeout.Milliseconds(),
		})
		return protocol.ToolResultPart(use.ID, `{"error":"timeout"}`, true)
	case out := <-done:
		if out.err != nil {
			return protocol.ToolResultPart(use.ID,
				fmt.Sprintf(`{"error":%q}`, out.err.Error()), true)
		}
		return protocol.ToolResultPart(use.ID, out.content, false)
	}
}
