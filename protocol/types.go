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

// Package protocol defines Lynkr's canonical in-memory request/response
// model and the bidirectional translations between the three supported
// client dialects: Anthropic Messages, OpenAI Chat Completions, and
// OpenAI Responses. All gateway components operate on the normalized
// form; only the edges of the system touch wire shapes.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags the variant held by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartImage      PartType = "image"
)

// ToolUse is a model-issued request to invoke a declared tool.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers a prior ToolUse with matching ToolUseID.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Image is an inline image attachment.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // base64
}

// Part is the tagged variant used for message content. Exactly one of
// the pointer fields matching Type is populated.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Image      *Image      `json:"image,omitempty"`
}

// TextPart constructs a text Part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolUsePart constructs a tool_use Part.
func ToolUsePart(id, name string, input json.RawMessage) Part {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return Part{Type: PartToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultPart constructs a tool_result Part.
func ToolResultPart(toolUseID, content string, isError bool) Part {
	return Part{Type: PartToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// ImagePart constructs an image Part.
func ImagePart(mediaType, data string) Part {
	return Part{Type: PartImage, Image: &Image{MediaType: mediaType, Data: data}}
}

// Message is one turn of conversation in normalized form.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text returns the concatenated text content of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolDef declares a tool the model may call.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoiceMode controls how the model may select tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceTool     ToolChoiceMode = "tool"
)

// ToolChoice is the normalized tool selection directive. Name is set
// only when Mode is ToolChoiceTool.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// Request is the canonical request form consumed by the orchestrator.
type Request struct {
	Model       string     `json:"model,omitempty"`
	System      []string   `json:"system,omitempty"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolDef  `json:"tools,omitempty"`
	ToolChoice  ToolChoice `json:"tool_choice"`
	Temperature *float64   `json:"temperature,omitempty"`
	TopP        *float64   `json:"top_p,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Stream      bool       `json:"stream,omitempty"`

	// ProviderOverride pins routing to a named provider when the
	// client requested one explicitly.
	ProviderOverride string `json:"provider,omitempty"`
}

// Clone returns a deep-enough copy for fold operations: the message
// slice is copied so appends do not alias the original.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// StopReason is the normalized reason generation stopped.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopToolUse       StopReason = "tool_use"
	StopMaxTokens     StopReason = "max_tokens"
	StopStopSequence  StopReason = "stop_sequence"
	StopContentFilter StopReason = "content_filter"
)

// Usage carries token accounting for one upstream call.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// Add accumulates usage across multiple steps of an agent turn.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Response is the canonical response form produced by dispatchers.
type Response struct {
	ID         string     `json:"id"`
	Model      string     `json:"model"`
	Parts      []Part     `json:"parts"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// ToolUses returns the tool_use parts in order of appearance.
func (r *Response) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, p := range r.Parts {
		if p.Type == PartToolUse && p.ToolUse != nil {
			uses = append(uses, *p.ToolUse)
		}
	}
	return uses
}

// Text returns the concatenated text content of the response.
func (r *Response) Text() string {
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Terminal reports whether the response ends the agent turn. A
// response carrying tool_use parts is never terminal.
func (r *Response) Terminal() bool {
	return r.StopReason != StopToolUse && len(r.ToolUses()) == 0
}

// Normalize enforces the stop-reason invariant: stop_reason is
// tool_use iff at least one tool_use part is present.
func (r *Response) Normalize() {
	if len(r.ToolUses()) > 0 {
		r.StopReason = StopToolUse
	} else if r.StopReason == StopToolUse {
		r.StopReason = StopEndTurn
	}
}

// ValidateToolPairing checks that every tool_result in the message
// stream references a tool_use id that appeared earlier, and that each
// assistant tool_use is answered in the immediately following user
// message. This is the pairing invariant upstream providers reject
// violations of.
func ValidateToolPairing(messages []Message) error {
	seen := make(map[string]bool)
	for i, msg := range messages {
		pendingIdx := i
		for _, p := range msg.Parts {
			switch p.Type {
			case PartToolUse:
				if p.ToolUse != nil {
					seen[p.ToolUse.ID] = true
				}
			case PartToolResult:
				if p.ToolResult == nil || !seen[p.ToolResult.ToolUseID] {
					return fmt.Errorf("message %d: tool_result references unknown tool_use_id %q",
						pendingIdx, toolResultID(p))
				}
			}
		}
	}

	for i, msg := range messages {
		if msg.Role != RoleAssistant {
			continue
		}
		uses := make(map[string]bool)
		for _, p := range msg.Parts {
			if p.Type == PartToolUse && p.ToolUse != nil {
				uses[p.ToolUse.ID] = true
			}
		}
		if len(uses) == 0 {
			continue
		}
		if i == len(messages)-1 {
			// Trailing assistant tool_use: answered by the fold step.
			continue
		}
		next := messages[i+1]
		for _, p := range next.Parts {
			if p.Type == PartToolResult && p.ToolResult != nil {
				delete(uses, p.ToolResult.ToolUseID)
			}
		}
		if len(uses) > 0 {
			return fmt.Errorf("message %d: %d tool_use part(s) unanswered in following message", i, len(uses))
		}
	}
	return nil
}

func toolResultID(p Part) string {
	if p.ToolResult != nil {
		return p.ToolResult.ToolUseID
	}
	return ""
}

// EstimateTokens approximates the token count of arbitrary content at
// roughly four characters per token, minimum one.
func EstimateTokens(v any) int {
	var n int
	switch s := v.(type) {
	case string:
		n = len(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return 1
		}
		n = len(b)
	}
	tokens := (n + 3) / 4
	if tokens < 1 {
		return 1
	}
	return tokens
}
