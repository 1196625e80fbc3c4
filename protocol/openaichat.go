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

// OpenAI Chat Completions wire types.

// ChatRequest is the POST /v1/chat/completions request body.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	Tools       []ChatTool      `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	User        string          `json:"user,omitempty"`
}

// ChatMessage is one Chat Completions message.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"` // string or []content parts
	ToolCalls  []ChatToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatContentPart is one element of a multimodal content array.
type ChatContentPart struct {
	Type     string        `json:"type"` // text, image_url
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

// ChatImageURL wraps a data: or https: image reference.
type ChatImageURL struct {
	URL string `json:"url"`
}

// ChatToolCall is an assistant-issued function call.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall carries the function name and JSON-string arguments.
type ChatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatTool declares a tool in the Chat dialect.
type ChatTool struct {
	Type     string       `json:"type"` // "function"
	Function ChatFunction `json:"function"`
}

// ChatFunction is the function declaration inside a ChatTool.
type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatResponse is the non-streaming Chat Completions response body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created,omitempty"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ChatChoice is one completion alternative; Lynkr only ever uses the
// first.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage is the Chat dialect usage block.
type ChatUsage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *ChatPromptTokenInfo `json:"prompt_tokens_details,omitempty"`
}

// ChatPromptTokenInfo carries cache accounting.
type ChatPromptTokenInfo struct {
	CachedTokens int `json:"cached_tokens"`
}

// FromChatRequest converts a Chat Completions request to normalized
// form. Leading system messages become the normalized system prompt;
// tool messages become tool_result parts in user position.
func FromChatRequest(req *ChatRequest) (*Request, error) {
	out := &Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		ToolChoice:  ToolChoice{Mode: ToolChoiceAuto},
	}

	for _, t := range req.Tools {
		if t.Function.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	out.ToolChoice = parseChatToolChoice(req.ToolChoice)

	for i, msg := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system", "developer":
			out.System = append(out.System, chatContentText(msg.Content))
		case "user", "assistant":
			parts, err := parseChatContent(msg.Content)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, ToolUsePart(tc.ID, tc.Function.Name, SanitizeToolArguments(tc.Function.Arguments)))
			}
			out.Messages = append(out.Messages, Message{Role: Role(role), Parts: parts})
		case "tool":
			part := ToolResultPart(msg.ToolCallID, chatContentText(msg.Content), false)
			// Tool results ride in user position in normalized form,
			// merged with an adjacent user message when present.
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == RoleUser {
				out.Messages[n-1].Parts = append(out.Messages[n-1].Parts, part)
			} else {
				out.Messages = append(out.Messages, Message{Role: RoleUser, Parts: []Part{part}})
			}
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}

	return out, nil
}

// ToChatRequest renders a normalized request in the Chat Completions
// dialect.
func ToChatRequest(req *Request) *ChatRequest {
	out := &ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if len(req.System) > 0 {
		content, _ := json.Marshal(strings.Join(req.System, "\n\n"))
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: content})
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	switch req.ToolChoice.Mode {
	case ToolChoiceNone:
		out.ToolChoice = json.RawMessage(`"none"`)
	case ToolChoiceRequired:
		out.ToolChoice = json.RawMessage(`"required"`)
	case ToolChoiceTool:
		tc, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice.Name},
		})
		out.ToolChoice = tc
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, normalizedToChatMessages(msg)...)
	}

	return out
}

// FromChatResponse converts a Chat Completions response to normalized
// form using the first choice.
func FromChatResponse(resp *ChatResponse) *Response {
	out := &Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		out.Usage.CacheReadTokens = d.CachedTokens
	}

	if len(resp.Choices) == 0 {
		out.StopReason = StopEndTurn
		return out
	}
	choice := resp.Choices[0]

	text := chatContentText(choice.Message.Content)
	if text != "" {
		if len(choice.Message.ToolCalls) > 0 && LooksLikeToolCallJSON(text) {
			protoLog.Warn("", "", "dropping duplicate tool-call text payload", map[string]interface{}{
				"model": resp.Model,
			})
		} else {
			out.Parts = append(out.Parts, TextPart(text))
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Parts = append(out.Parts, ToolUsePart(tc.ID, tc.Function.Name, SanitizeToolArguments(tc.Function.Arguments)))
	}

	out.StopReason = chatFinishToNormalized(choice.FinishReason)
	out.Normalize()
	return out
}

// ToChatResponse renders a normalized response as a Chat Completions
// response body.
func ToChatResponse(resp *Response) *ChatResponse {
	msg := ChatMessage{Role: "assistant"}
	if text := resp.Text(); text != "" {
		content, _ := json.Marshal(text)
		msg.Content = content
	}
	for _, u := range resp.ToolUses() {
		msg.ToolCalls = append(msg.ToolCalls, ChatToolCall{
			ID:   u.ID,
			Type: "function",
			Function: ChatFunctionCall{
				Name:      u.Name,
				Arguments: string(u.Input),
			},
		})
	}

	return &ChatResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: normalizedStopToChat(resp.StopReason),
		}},
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func normalizedToChatMessages(msg Message) []ChatMessage {
	var out []ChatMessage

	var contentParts []ChatContentPart
	var toolCalls []ChatToolCall

	flushContent := func(role string) {
		if len(contentParts) == 0 && len(toolCalls) == 0 {
			return
		}
		cm := ChatMessage{Role: role, ToolCalls: toolCalls}
		cm.Content = marshalChatContent(contentParts)
		out = append(out, cm)
		contentParts = nil
		toolCalls = nil
	}

	role := string(msg.Role)
	if msg.Role == RoleTool {
		role = "user"
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			contentParts = append(contentParts, ChatContentPart{Type: "text", Text: p.Text})
		case PartImage:
			contentParts = append(contentParts, ChatContentPart{
				Type:     "image_url",
				ImageURL: &ChatImageURL{URL: "data:" + p.Image.MediaType + ";base64," + p.Image.Data},
			})
		case PartToolUse:
			toolCalls = append(toolCalls, ChatToolCall{
				ID:       p.ToolUse.ID,
				Type:     "function",
				Function: ChatFunctionCall{Name: p.ToolUse.Name, Arguments: string(p.ToolUse.Input)},
			})
		case PartToolResult:
			// Tool results are standalone messages in the Chat dialect.
			flushContent(role)
			content, _ := json.Marshal(p.ToolResult.Content)
			out = append(out, ChatMessage{
				Role:       "tool",
				ToolCallID: p.ToolResult.ToolUseID,
				Content:    content,
			})
		}
	}
	flushContent(role)
	return out
}

// marshalChatContent collapses all-text content arrays to a plain
// string and preserves order for mixed arrays.
func marshalChatContent(parts []ChatContentPart) json.RawMessage {
	if len(parts) == 0 {
		return nil
	}
	allText := true
	for _, p := range parts {
		if p.Type != "text" {
			allText = false
			break
		}
	}
	if allText {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		content, _ := json.Marshal(b.String())
		return content
	}
	content, _ := json.Marshal(parts)
	return content
}

func parseChatContent(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []Part{TextPart(s)}, nil
	}
	var parts []ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("content is neither string nor part array")
	}
	var out []Part
	for _, p := range parts {
		switch p.Type {
		case "", "text":
			out = append(out, TextPart(p.Text))
		case "image_url":
			if p.ImageURL != nil {
				mediaType, data := splitDataURL(p.ImageURL.URL)
				out = append(out, ImagePart(mediaType, data))
			}
		}
	}
	return CollapseTextParts(out), nil
}

func chatContentText(raw json.RawMessage) string {
	parts, err := parseChatContent(raw)
	if err != nil {
		return strings.TrimSpace(string(raw))
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func parseChatToolChoice(raw json.RawMessage) ToolChoice {
	if len(raw) == 0 {
		return ToolChoice{Mode: ToolChoiceAuto}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "none":
			return ToolChoice{Mode: ToolChoiceNone}
		case "required":
			return ToolChoice{Mode: ToolChoiceRequired}
		default:
			return ToolChoice{Mode: ToolChoiceAuto}
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ToolChoice{Mode: ToolChoiceAuto}
	}
	name := obj.Function.Name
	if name == "" {
		name = obj.Name
	}
	if name != "" {
		return ToolChoice{Mode: ToolChoiceTool, Name: name}
	}
	if obj.Type == "required" {
		return ToolChoice{Mode: ToolChoiceRequired}
	}
	return ToolChoice{Mode: ToolChoiceAuto}
}

func splitDataURL(url string) (mediaType, data string) {
	if !strings.HasPrefix(url, "data:") {
		return "", url
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return rest, ""
	}
	return rest[:semi], rest[semi+len(";base64,"):]
}

func chatFinishToNormalized(reason string) StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	case "content_filter":
		return StopContentFilter
	default:
		return StopEndTurn
	}
}

func normalizedStopToChat(reason StopReason) string {
	switch reason {
	case StopToolUse:
		return "tool_calls"
	case StopMaxTokens:
		return "length"
	case StopContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}
