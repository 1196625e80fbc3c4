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

// Package policy evaluates tool calls before execution. The engine is
// pure: it inspects the call and the caller-supplied turn context and
// returns a decision, never touching the filesystem or network.
package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Severity ranks a denial.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Denial reason codes surfaced in tool results and errors.
const (
	ReasonToolDenied = "tool_denied"
	ReasonCommand    = "command_denied"
	ReasonPath       = "path_denied"
	ReasonToolLimit  = "tool_limit_reached"
	ReasonStepLimit  = "step_limit_reached"
)

// ToolCall is the policy view of one model-issued tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// TurnContext carries the per-turn counters the engine enforces caps
// against. Callers own the counting.
type TurnContext struct {
	ToolCallsExecuted int
	Step              int
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed  bool     `json:"allowed"`
	Reason   string   `json:"reason,omitempty"`
	Code     string   `json:"code,omitempty"`
	Severity Severity `json:"severity,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(code, reason string, severity Severity) Decision {
	return Decision{Reason: reason, Code: code, Severity: severity}
}

// CommandRule governs one shell base command.
type CommandRule struct {
	Allowed         bool     `yaml:"allowed" json:"allowed"`
	AllowedFlags    []string `yaml:"allowed_flags" json:"allowed_flags,omitempty"`
	BlockedPatterns []string `yaml:"blocked_patterns" json:"blocked_patterns,omitempty"`
	Severity        Severity `yaml:"severity" json:"severity,omitempty"`
}

// Config declares the policy surface.
type Config struct {
	// AllowTools, when non-empty, is an exclusive tool allowlist.
	AllowTools []string `yaml:"allow_tools"`
	// DenyTools always wins over AllowTools.
	DenyTools []string `yaml:"deny_tools"`

	// ShellTools are the tool names whose "command" argument is run
	// through the command DSL.
	ShellTools []string `yaml:"shell_tools"`

	// Commands maps base commands to rules. Commands without a rule
	// follow PermissiveByDefault.
	Commands map[string]CommandRule `yaml:"commands"`

	PermissiveByDefault bool `yaml:"permissive_by_default"`

	// WorkspaceRoot anchors relative paths before matching.
	WorkspaceRoot string `yaml:"workspace_root"`
	// PathDeny patterns take precedence over PathAllow.
	PathDeny  []string `yaml:"path_deny"`
	PathAllow []string `yaml:"path_allow"`

	MaxToolCallsPerTurn int `yaml:"max_tool_calls_per_turn"`
	MaxStepsPerTurn     int `yaml:"max_steps_per_turn"`
}

// destructiveCommands are always denied with critical severity unless
// an explicit rule allows them.
var destructiveCommands = map[string]bool{
	"rm": true, "chmod": true, "chown": true, "sudo": true,
	"dd": true, "mkfs": true, "reboot": true, "shutdown": true,
}

// DefaultConfig returns the standard permissive-by-default policy
// with destructive commands denied.
func DefaultConfig() Config {
	return Config{
		ShellTools:          []string{"bash", "shell", "run_command"},
		PermissiveByDefault: true,
		MaxToolCallsPerTurn: 12,
		MaxStepsPerTurn:     8,
	}
}

// Engine is the compiled policy evaluator.
type Engine struct {
	cfg      Config
	blocked  map[string][]*regexp.Regexp
	denyTool map[string]bool
}

// New compiles a policy configuration. Invalid blocked patterns are
// a configuration error.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = DefaultConfig().MaxToolCallsPerTurn
	}
	if cfg.MaxStepsPerTurn <= 0 {
		cfg.MaxStepsPerTurn = DefaultConfig().MaxStepsPerTurn
	}
	if len(cfg.ShellTools) == 0 {
		cfg.ShellTools = DefaultConfig().ShellTools
	}

	e := &Engine{
		cfg:      cfg,
		blocked:  make(map[string][]*regexp.Regexp),
		denyTool: make(map[string]bool),
	}
	for _, name := range cfg.DenyTools {
		e.denyTool[name] = true
	}
	for cmd, rule := range cfg.Commands {
		for _, pattern := range rule.BlockedPatterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("command %q: invalid blocked pattern %q: %w", cmd, pattern, err)
			}
			e.blocked[cmd] = append(e.blocked[cmd], re)
		}
	}
	return e, nil
}

// MaxSteps returns the per-turn step cap.
func (e *Engine) MaxSteps() int { return e.cfg.MaxStepsPerTurn }

// Evaluate checks one tool call against the caps, the tool lists,
// the command DSL, and the path policy.
func (e *Engine) Evaluate(call ToolCall, turn TurnContext) Decision {
	if turn.ToolCallsExecuted >= e.cfg.MaxToolCallsPerTurn {
		return deny(ReasonToolLimit,
			fmt.Sprintf("tool call limit reached (%d per turn)", e.cfg.MaxToolCallsPerTurn),
			SeverityWarning)
	}
	if turn.Step >= e.cfg.MaxStepsPerTurn {
		return deny(ReasonStepLimit,
			fmt.Sprintf("step limit reached (%d per turn)", e.cfg.MaxStepsPerTurn),
			SeverityWarning)
	}

	if e.denyTool[call.Name] {
		return deny(ReasonToolDenied, fmt.Sprintf("tool %q is denied by policy", call.Name), SeverityWarning)
	}
	if len(e.cfg.AllowTools) > 0 && !contains(e.cfg.AllowTools, call.Name) {
		return deny(ReasonToolDenied, fmt.Sprintf("tool %q is not in the allowlist", call.Name), SeverityWarning)
	}

	if contains(e.cfg.ShellTools, call.Name) {
		command := gjson.GetBytes(call.Input, "command").String()
		if command != "" {
			if d := e.EvaluateCommand(command); !d.Allowed {
				return d
			}
		}
	}

	for _, key := range []string{"path", "file_path", "directory"} {
		if p := gjson.GetBytes(call.Input, key).String(); p != "" {
			if d := e.EvaluatePath(p); !d.Allowed {
				return d
			}
		}
	}

	return allow()
}

// EvaluateCommand runs one shell command line through the DSL. The
// base command selects a rule; every flag must be allowed and no
// argument may match a blocked pattern.
func (e *Engine) EvaluateCommand(command string) Decision {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return allow()
	}
	base := fields[0]

	rule, hasRule := e.cfg.Commands[base]
	if !hasRule {
		if destructiveCommands[base] {
			return deny(ReasonCommand,
				fmt.Sprintf("destructive command %q is denied", base),
				SeverityCritical)
		}
		if e.cfg.PermissiveByDefault {
			return allow()
		}
		return deny(ReasonCommand, fmt.Sprintf("command %q has no policy rule", base), SeverityWarning)
	}

	severity := rule.Severity
	if severity == "" {
		severity = SeverityWarning
	}
	if !rule.Allowed {
		if destructiveCommands[base] {
			severity = SeverityCritical
		}
		return deny(ReasonCommand, fmt.Sprintf("command %q is denied by policy", base), severity)
	}

	for _, flag := range expandFlags(fields[1:]) {
		if !contains(rule.AllowedFlags, flag) {
			return deny(ReasonCommand,
				fmt.Sprintf("command %q: flag %q is not allowed", base, flag),
				severity)
		}
	}
	for _, arg := range fields[1:] {
		for _, re := range e.blocked[base] {
			if re.MatchString(arg) {
				return deny(ReasonCommand,
					fmt.Sprintf("command %q: argument %q matches blocked pattern", base, arg),
					severity)
			}
		}
	}
	return allow()
}

// expandFlags splits combined short-flag packs like -la into -l and
// -a. Long flags pass through unchanged.
func expandFlags(args []string) []string {
	var flags []string
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--"):
			// Strip any =value suffix.
			if i := strings.Index(arg, "="); i > 0 {
				arg = arg[:i]
			}
			flags = append(flags, arg)
		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			for _, c := range arg[1:] {
				flags = append(flags, "-"+string(c))
			}
		}
	}
	return flags
}

// EvaluatePath checks one path against the deny and allow lists.
// Paths resolve to absolute form against the workspace root first;
// deny patterns take precedence.
func (e *Engine) EvaluatePath(p string) Decision {
	resolved := p
	if !filepath.IsAbs(resolved) && e.cfg.WorkspaceRoot != "" {
		resolved = filepath.Join(e.cfg.WorkspaceRoot, resolved)
	}
	resolved = filepath.Clean(resolved)

	for _, pattern := range e.cfg.PathDeny {
		if matchPath(pattern, resolved) {
			return deny(ReasonPath, fmt.Sprintf("path %q is denied by policy", p), SeverityWarning)
		}
	}
	if len(e.cfg.PathAllow) > 0 {
		for _, pattern := range e.cfg.PathAllow {
			if matchPath(pattern, resolved) {
				return allow()
			}
		}
		return deny(ReasonPath, fmt.Sprintf("path %q is not in the allowlist", p), SeverityWarning)
	}
	return allow()
}

// matchPath tries glob matching on the full path and its base, then
// falls back to substring matching.
func matchPath(pattern, resolved string) bool {
	if ok, err := path.Match(pattern, resolved); err == nil && ok {
		return true
	}
	if ok, err := path.Match(pattern, filepath.Base(resolved)); err == nil && ok {
		return true
	}
	return strings.Contains(resolved, pattern)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
