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

package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func shellCall(command string) ToolCall {
	input, _ := json.Marshal(map[string]string{"command": command})
	return ToolCall{ID: "call_1", Name: "bash", Input: input}
}

func TestEvaluateToolDenylist(t *testing.T) {
	e := mustEngine(t, Config{DenyTools: []string{"web_fetch"}, PermissiveByDefault: true})

	d := e.Evaluate(ToolCall{Name: "web_fetch"}, TurnContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolDenied, d.Code)

	d = e.Evaluate(ToolCall{Name: "read_file"}, TurnContext{})
	assert.True(t, d.Allowed)
}

func TestEvaluateToolAllowlist(t *testing.T) {
	e := mustEngine(t, Config{AllowTools: []string{"echo"}, PermissiveByDefault: true})

	assert.True(t, e.Evaluate(ToolCall{Name: "echo"}, TurnContext{}).Allowed)
	assert.False(t, e.Evaluate(ToolCall{Name: "other"}, TurnContext{}).Allowed)
}

func TestEvaluateCommandRules(t *testing.T) {
	e := mustEngine(t, Config{
		Commands: map[string]CommandRule{
			"ls":  {Allowed: true, AllowedFlags: []string{"-l", "-a", "--color"}},
			"git": {Allowed: true, BlockedPatterns: []string{`push`, `--force`}},
			"curl": {Allowed: false},
		},
		PermissiveByDefault: true,
	})

	tests := []struct {
		command string
		allowed bool
	}{
		{"ls -l", true},
		{"ls -la", true}, // combined short-flag pack
		{"ls --color=auto", true},
		{"ls -x", false},
		{"git status", true},
		{"git push origin main", false},
		{"curl http://example.com", false},
		{"echo hello", true}, // no rule, permissive default
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			d := e.EvaluateCommand(tt.command)
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}
}

func TestEvaluateCommandStrictDefault(t *testing.T) {
	e := mustEngine(t, Config{PermissiveByDefault: false})

	d := e.EvaluateCommand("jq .foo file.json")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCommand, d.Code)
}

func TestDestructiveCommandsAreCritical(t *testing.T) {
	e := mustEngine(t, Config{PermissiveByDefault: true})

	for _, cmd := range []string{"rm -rf /", "sudo ls", "dd if=/dev/zero", "mkfs /dev/sda", "reboot", "chmod 777 /etc"} {
		d := e.EvaluateCommand(cmd)
		assert.False(t, d.Allowed, cmd)
		assert.Equal(t, SeverityCritical, d.Severity, cmd)
	}
}

func TestEvaluatePathDenyPrecedence(t *testing.T) {
	e := mustEngine(t, Config{
		WorkspaceRoot: "/workspace",
		PathDeny:      []string{"*.env", "/etc/*", "secrets"},
		PathAllow:     []string{"/workspace/*"},
		PermissiveByDefault: true,
	})

	assert.False(t, e.EvaluatePath(".env").Allowed)
	assert.False(t, e.EvaluatePath("/etc/passwd").Allowed)
	assert.False(t, e.EvaluatePath("secrets/key.pem").Allowed)
	assert.True(t, e.EvaluatePath("main.go").Allowed)
	assert.False(t, e.EvaluatePath("/home/other/file").Allowed)
}

func TestEvaluatePathNoAllowlistIsPermissive(t *testing.T) {
	e := mustEngine(t, Config{PathDeny: []string{"*.pem"}})

	assert.True(t, e.EvaluatePath("/anywhere/file.txt").Allowed)
	assert.False(t, e.EvaluatePath("/anywhere/key.pem").Allowed)
}

func TestEvaluatePerTurnCaps(t *testing.T) {
	e := mustEngine(t, Config{
		PermissiveByDefault: true,
		MaxToolCallsPerTurn: 2,
		MaxStepsPerTurn:     3,
	})

	call := ToolCall{Name: "echo"}

	assert.True(t, e.Evaluate(call, TurnContext{ToolCallsExecuted: 1}).Allowed)

	d := e.Evaluate(call, TurnContext{ToolCallsExecuted: 2})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonToolLimit, d.Code)

	d = e.Evaluate(call, TurnContext{Step: 3})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonStepLimit, d.Code)
}

func TestEvaluateShellToolInput(t *testing.T) {
	e := mustEngine(t, Config{PermissiveByDefault: true})

	d := e.Evaluate(shellCall("rm -rf /tmp/x"), TurnContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, SeverityCritical, d.Severity)

	d = e.Evaluate(shellCall("echo hi"), TurnContext{})
	assert.True(t, d.Allowed)
}

func TestEvaluatePathInToolInput(t *testing.T) {
	e := mustEngine(t, Config{
		WorkspaceRoot:       "/workspace",
		PathDeny:            []string{"*.env"},
		PermissiveByDefault: true,
	})

	input, _ := json.Marshal(map[string]string{"file_path": "config/.env"})
	d := e.Evaluate(ToolCall{Name: "read_file", Input: input}, TurnContext{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPath, d.Code)
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New(Config{
		Commands: map[string]CommandRule{
			"git": {Allowed: true, BlockedPatterns: []string{"["}},
		},
	})
	assert.Error(t, err)
}
