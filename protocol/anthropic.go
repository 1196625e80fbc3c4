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

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Anthropic Messages wire types.

// AnthropicRequest is the POST /v1/messages request body.
type AnthropicRequest struct {
	Model         string               `json:"model"`
	System        json.RawMessage      `json:"system,omitempty"` // string or []text blocks
	Messages      []AnthropicMessage   `json:"messages"`
	Tools         []AnthropicTool      `json:"tools,omitempty"`
	ToolChoice    *AnthropicToolChoice `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// AnthropicMessage carries either a plain string or an array of
// content blocks.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicContentBlock is one element of a content array.
type AnthropicContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *AnthropicImageSource `json:"source,omitempty"`
}

// AnthropicImageSource is the base64 image payload shape.
type AnthropicImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnthropicTool declares a tool in the Messages dialect.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// AnthropicToolChoice is the tool_choice object.
type AnthropicToolChoice struct {
	Type string `json:"type"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

// AnthropicResponse is the non-streaming /v1/messages response body.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence *string                 `json:"stop_sequence"`
	Usage        AnthropicUsage          `json:"usage"`
}

// AnthropicUsage is the usage accounting block.
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// FromAnthropicRequest converts a Messages-dialect request to the
// normalized form. Conversion is total: every well-formed input yields
// a normalized request, and malformed fragments degrade with a warn
// log rather than an error.
func FromAnthropicRequest(req *AnthropicRequest) (*Request, error) {
	out := &Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		ToolChoice:  ToolChoice{Mode: ToolChoiceAuto},
	}

	out.System = parseAnthropicSystem(req.System)

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case "none":
			out.ToolChoice = ToolChoice{Mode: ToolChoiceNone}
		case "any":
			out.ToolChoice = ToolChoice{Mode: ToolChoiceRequired}
		case "tool":
			out.ToolChoice = ToolChoice{Mode: ToolChoiceTool, Name: tc.Name}
		default:
			out.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		}
	}

	for i, msg := range req.Messages {
		role := Role(strings.ToLower(strings.TrimSpace(msg.Role)))
		if role != RoleUser && role != RoleAssistant {
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
		parts, err := parseAnthropicContent(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, Message{Role: role, Parts: parts})
	}

	if pv, ok := req.Metadata["provider"].(string); ok {
		out.ProviderOverride = pv
	}

	return out, nil
}

// ToAnthropicRequest renders a normalized request in the Messages
// dialect for dispatch to an Anthropic-style upstream.
func ToAnthropicRequest(req *Request) *AnthropicRequest {
	out := &AnthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}

	if len(req.System) > 0 {
		sys, _ := json.Marshal(strings.Join(req.System, "\n\n"))
		out.System = sys
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	switch req.ToolChoice.Mode {
	case ToolChoiceNone:
		out.ToolChoice = &AnthropicToolChoice{Type: "none"}
	case ToolChoiceRequired:
		out.ToolChoice = &AnthropicToolChoice{Type: "any"}
	case ToolChoiceTool:
		out.ToolChoice = &AnthropicToolChoice{Type: "tool", Name: req.ToolChoice.Name}
	}

	for _, msg := range req.Messages {
		role := string(msg.Role)
		if msg.Role == RoleTool {
			// The Messages dialect carries tool results inside user
			// messages.
			role = "user"
		}
		blocks := make([]AnthropicContentBlock, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			blocks = append(blocks, partToAnthropicBlock(p))
		}
		content, _ := json.Marshal(blocks)
		out.Messages = append(out.Messages, AnthropicMessage{Role: role, Content: content})
	}

	return out
}

// FromAnthropicResponse converts a Messages-dialect response body to
// normalized form, dropping duplicate tool-call text payloads emitted
// by some local models.
func FromAnthropicResponse(resp *AnthropicResponse) *Response {
	out := &Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:     resp.Usage.CacheReadInputTokens,
		},
	}

	hasStructuredToolUse := false
	for _, b := range resp.Content {
		if b.Type == "tool_use" {
			hasStructuredToolUse = true
			break
		}
	}

	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			if hasStructuredToolUse && LooksLikeToolCallJSON(b.Text) {
				protoLog.Warn("", "", "dropping duplicate tool-call text block", map[string]interface{}{
					"model": resp.Model,
				})
				continue
			}
			out.Parts = append(out.Parts, TextPart(b.Text))
		case "tool_use":
			out.Parts = append(out.Parts, ToolUsePart(b.ID, b.Name, SanitizeToolArguments(string(b.Input))))
		}
	}

	out.StopReason = anthropicStopToNormalized(resp.StopReason)
	out.Normalize()
	return out
}

// ToAnthropicResponse renders a normalized response as a Messages
// response body.
func ToAnthropicResponse(resp *Response) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
		Usage: AnthropicUsage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadTokens,
		},
		StopReason: normalizedStopToAnthropic(resp.StopReason),
	}
	if out.Content == nil {
		out.Content = []AnthropicContentBlock{}
	}
	for _, p := range resp.Parts {
		switch p.Type {
		case PartText:
			out.Content = append(out.Content, AnthropicContentBlock{Type: "text", Text: p.Text})
		case PartToolUse:
			out.Content = append(out.Content, AnthropicContentBlock{
				Type:  "tool_use",
				ID:    p.ToolUse.ID,
				Name:  p.ToolUse.Name,
				Input: p.ToolUse.Input,
			})
		}
	}
	return out
}

func parseAnthropicSystem(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		protoLog.Warn("", "", "unparseable system prompt, ignoring", nil)
		return nil
	}
	var out []string
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			if b.Text != "" {
				out = append(out, b.Text)
			}
		}
	}
	return out
}

func parseAnthropicContent(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Part{TextPart(s)}, nil
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content is neither string nor block array")
	}

	var parts []Part
	for _, b := range blocks {
		switch b.Type {
		case "", "text":
			parts = append(parts, TextPart(b.Text))
		case "tool_use":
			parts = append(parts, ToolUsePart(b.ID, b.Name, SanitizeToolArguments(string(b.Input))))
		case "tool_result":
			parts = append(parts, ToolResultPart(b.ToolUseID, flattenToolResultContent(b.Content), b.IsError))
		case "image":
			if b.Source != nil {
				parts = append(parts, ImagePart(b.Source.MediaType, b.Source.Data))
			}
		default:
			// Preserve unknown blocks that still carry text.
			if b.Text != "" {
				parts = append(parts, TextPart(b.Text))
			}
		}
	}
	return CollapseTextParts(parts), nil
}

func partToAnthropicBlock(p Part) AnthropicContentBlock {
	switch p.Type {
	case PartToolUse:
		return AnthropicContentBlock{Type: "tool_use", ID: p.ToolUse.ID, Name: p.ToolUse.Name, Input: p.ToolUse.Input}
	case PartToolResult:
		content, _ := json.Marshal(p.ToolResult.Content)
		return AnthropicContentBlock{
			Type:      "tool_result",
			ToolUseID: p.ToolResult.ToolUseID,
			Content:   content,
			IsError:   p.ToolResult.IsError,
		}
	case PartImage:
		return AnthropicContentBlock{Type: "image", Source: &AnthropicImageSource{
			Type:      "base64",
			MediaType: p.Image.MediaType,
			Data:      p.Image.Data,
		}}
	default:
		return AnthropicContentBlock{Type: "text", Text: p.Text}
	}
}

// flattenToolResultContent accepts a tool_result content value that
// may be a plain string or an array of text blocks and returns the
// concatenated text.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return strings.TrimSpace(string(raw))
	}
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func anthropicStopToNormalized(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	case "content_filter", "refusal":
		return StopContentFilter
	default:
		return StopEndTurn
	}
}

func normalizedStopToAnthropic(reason StopReason) string {
	switch reason {
	case StopToolUse:
		return "tool_use"
	case StopMaxTokens:
		return "max_tokens"
	case StopStopSequence:
		return "stop_sequence"
	case StopContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}
