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

// OpenAI Responses API wire types.

// ResponsesRequest is the POST /v1/responses request body.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Instructions    string          `json:"instructions,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"` // string or []ResponsesInputItem
	Tools           []ResponsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// ResponsesInputItem is one element of the Responses input array. The
// dialect multiplexes messages, function calls, and function outputs
// through a single item type.
type ResponsesInputItem struct {
	Type    string          `json:"type,omitempty"` // message, function_call, function_call_output
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string or []ResponsesContentPart

	// function_call fields.
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output field.
	Output string `json:"output,omitempty"`
}

// ResponsesContentPart is one element of a message item's content
// array.
type ResponsesContentPart struct {
	Type     string `json:"type"` // input_text, output_text, input_image
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ResponsesTool declares a tool in the Responses dialect. Unlike the
// Chat dialect there is no nested function wrapper.
type ResponsesTool struct {
	Type        string          `json:"type"` // "function"
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponsesResponse is the non-streaming /v1/responses response body.
type ResponsesResponse struct {
	ID                string                       `json:"id"`
	Object            string                       `json:"object"`
	CreatedAt         int64                        `json:"created_at,omitempty"`
	Status            string                       `json:"status"` // completed, incomplete, failed
	Model             string                       `json:"model"`
	Output            []ResponsesOutputItem        `json:"output"`
	IncompleteDetails *ResponsesIncompleteDetails  `json:"incomplete_details,omitempty"`
	Usage             ResponsesUsage               `json:"usage"`
}

// ResponsesOutputItem is one element of the output array.
type ResponsesOutputItem struct {
	Type    string                 `json:"type"` // message, function_call
	ID      string                 `json:"id,omitempty"`
	Status  string                 `json:"status,omitempty"`
	Role    string                 `json:"role,omitempty"`
	Content []ResponsesContentPart `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponsesIncompleteDetails explains a non-completed status.
type ResponsesIncompleteDetails struct {
	Reason string `json:"reason"` // max_output_tokens, content_filter
}

// ResponsesUsage is the Responses dialect usage block.
type ResponsesUsage struct {
	InputTokens        int                       `json:"input_tokens"`
	OutputTokens       int                       `json:"output_tokens"`
	TotalTokens        int                       `json:"total_tokens"`
	InputTokensDetails *ResponsesInputTokenInfo  `json:"input_tokens_details,omitempty"`
}

// ResponsesInputTokenInfo carries cache accounting.
type ResponsesInputTokenInfo struct {
	CachedTokens int `json:"cached_tokens"`
}

// FromResponsesRequest converts a Responses request to normalized
// form. Instructions become the system prompt; function_call and
// function_call_output items become tool_use and tool_result parts.
func FromResponsesRequest(req *ResponsesRequest) (*Request, error) {
	out := &Request{
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		ToolChoice:  parseChatToolChoice(req.ToolChoice),
	}
	if req.Instructions != "" {
		out.System = append(out.System, req.Instructions)
	}

	for _, t := range req.Tools {
		if t.Name == "" {
			continue
		}
		out.Tools = append(out.Tools, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	if len(req.Input) == 0 {
		return out, nil
	}

	// Shorthand: input may be a bare string standing for one user turn.
	var s string
	if err := json.Unmarshal(req.Input, &s); err == nil {
		if s != "" {
			out.Messages = append(out.Messages, Message{Role: RoleUser, Parts: []Part{TextPart(s)}})
		}
		return out, nil
	}

	var items []ResponsesInputItem
	if err := json.Unmarshal(req.Input, &items); err != nil {
		return nil, fmt.Errorf("input is neither string nor item array")
	}

	appendPart := func(role Role, part Part) {
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Parts = append(out.Messages[n-1].Parts, part)
			return
		}
		out.Messages = append(out.Messages, Message{Role: role, Parts: []Part{part}})
	}

	for i, item := range items {
		switch itemType(item) {
		case "message":
			role := Role(strings.ToLower(item.Role))
			if role != RoleUser && role != RoleAssistant && role != "system" && role != "developer" {
				return nil, fmt.Errorf("input item %d: unsupported role %q", i, item.Role)
			}
			text := responsesContentText(item.Content)
			if role == "system" || role == "developer" {
				out.System = append(out.System, text)
				continue
			}
			parts, err := parseResponsesContent(item.Content)
			if err != nil {
				return nil, fmt.Errorf("input item %d: %w", i, err)
			}
			for _, p := range parts {
				appendPart(role, p)
			}
		case "function_call":
			appendPart(RoleAssistant, ToolUsePart(item.CallID, item.Name, SanitizeToolArguments(item.Arguments)))
		case "function_call_output":
			appendPart(RoleUser, ToolResultPart(item.CallID, item.Output, false))
		default:
			return nil, fmt.Errorf("input item %d: unsupported type %q", i, item.Type)
		}
	}

	for i := range out.Messages {
		out.Messages[i].Parts = CollapseTextParts(out.Messages[i].Parts)
	}
	return out, nil
}

// ToResponsesRequest renders a normalized request in the Responses
// dialect.
func ToResponsesRequest(req *Request) *ResponsesRequest {
	out := &ResponsesRequest{
		Model:           req.Model,
		Instructions:    strings.Join(req.System, "\n\n"),
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	switch req.ToolChoice.Mode {
	case ToolChoiceNone:
		out.ToolChoice = json.RawMessage(`"none"`)
	case ToolChoiceRequired:
		out.ToolChoice = json.RawMessage(`"required"`)
	case ToolChoiceTool:
		tc, _ := json.Marshal(map[string]string{"type": "function", "name": req.ToolChoice.Name})
		out.ToolChoice = tc
	}

	var items []ResponsesInputItem
	for _, msg := range req.Messages {
		items = append(items, normalizedToResponsesItems(msg)...)
	}
	if items != nil {
		input, _ := json.Marshal(items)
		out.Input = input
	}
	return out
}

// FromResponsesResponse converts a Responses response to normalized
// form.
func FromResponsesResponse(resp *ResponsesResponse) *Response {
	out := &Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
	if d := resp.Usage.InputTokensDetails; d != nil {
		out.Usage.CacheReadTokens = d.CachedTokens
	}

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" || c.Type == "text" {
					if len(item.Content) == 1 && LooksLikeToolCallJSON(c.Text) && hasFunctionCall(resp.Output) {
						protoLog.Warn("", "", "dropping duplicate tool-call text payload", map[string]interface{}{
							"model": resp.Model,
						})
						continue
					}
					out.Parts = append(out.Parts, TextPart(c.Text))
				}
			}
		case "function_call":
			id := item.CallID
			if id == "" {
				id = item.ID
			}
			out.Parts = append(out.Parts, ToolUsePart(id, item.Name, SanitizeToolArguments(item.Arguments)))
		}
	}
	out.Parts = CollapseTextParts(out.Parts)

	out.StopReason = responsesStatusToNormalized(resp)
	out.Normalize()
	return out
}

// ToResponsesResponse renders a normalized response as a Responses
// response body.
func ToResponsesResponse(resp *Response) *ResponsesResponse {
	out := &ResponsesResponse{
		ID:     resp.ID,
		Object: "response",
		Status: "completed",
		Model:  resp.Model,
		Output: []ResponsesOutputItem{},
		Usage: ResponsesUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	if text := resp.Text(); text != "" {
		out.Output = append(out.Output, ResponsesOutputItem{
			Type:   "message",
			ID:     "msg_" + resp.ID,
			Status: "completed",
			Role:   "assistant",
			Content: []ResponsesContentPart{{
				Type: "output_text",
				Text: text,
			}},
		})
	}
	for _, u := range resp.ToolUses() {
		out.Output = append(out.Output, ResponsesOutputItem{
			Type:      "function_call",
			ID:        "fc_" + u.ID,
			Status:    "completed",
			CallID:    u.ID,
			Name:      u.Name,
			Arguments: string(u.Input),
		})
	}

	switch resp.StopReason {
	case StopMaxTokens:
		out.Status = "incomplete"
		out.IncompleteDetails = &ResponsesIncompleteDetails{Reason: "max_output_tokens"}
	case StopContentFilter:
		out.Status = "incomplete"
		out.IncompleteDetails = &ResponsesIncompleteDetails{Reason: "content_filter"}
	}
	return out
}

func normalizedToResponsesItems(msg Message) []ResponsesInputItem {
	var out []ResponsesInputItem

	var contentParts []ResponsesContentPart
	role := string(msg.Role)
	if msg.Role == RoleTool {
		role = "user"
	}
	textType := "input_text"
	if msg.Role == RoleAssistant {
		textType = "output_text"
	}

	flush := func() {
		if len(contentParts) == 0 {
			return
		}
		content, _ := json.Marshal(contentParts)
		out = append(out, ResponsesInputItem{Type: "message", Role: role, Content: content})
		contentParts = nil
	}

	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			contentParts = append(contentParts, ResponsesContentPart{Type: textType, Text: p.Text})
		case PartImage:
			contentParts = append(contentParts, ResponsesContentPart{
				Type:     "input_image",
				ImageURL: "data:" + p.Image.MediaType + ";base64," + p.Image.Data,
			})
		case PartToolUse:
			flush()
			out = append(out, ResponsesInputItem{
				Type:      "function_call",
				CallID:    p.ToolUse.ID,
				Name:      p.ToolUse.Name,
				Arguments: string(p.ToolUse.Input),
			})
		case PartToolResult:
			flush()
			out = append(out, ResponsesInputItem{
				Type:   "function_call_output",
				CallID: p.ToolResult.ToolUseID,
				Output: p.ToolResult.Content,
			})
		}
	}
	flush()
	return out
}

// itemType infers the type of an untagged input item. Clients may
// omit "type" on plain messages.
func itemType(item ResponsesInputItem) string {
	if item.Type != "" {
		return item.Type
	}
	if item.Role != "" {
		return "message"
	}
	return ""
}

func parseResponsesContent(raw json.RawMessage) ([]Part, error) {
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
	var parts []ResponsesContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("content is neither string nor part array")
	}
	var out []Part
	for _, p := range parts {
		switch p.Type {
		case "", "text", "input_text", "output_text":
			out = append(out, TextPart(p.Text))
		case "input_image":
			mediaType, data := splitDataURL(p.ImageURL)
			out = append(out, ImagePart(mediaType, data))
		}
	}
	return CollapseTextParts(out), nil
}

func responsesContentText(raw json.RawMessage) string {
	parts, err := parseResponsesContent(raw)
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

func hasFunctionCall(items []ResponsesOutputItem) bool {
	for _, item := range items {
		if item.Type == "function_call" {
			return true
		}
	}
	return false
}

func responsesStatusToNormalized(resp *ResponsesResponse) StopReason {
	if resp.Status == "incomplete" && resp.IncompleteDetails != nil {
		switch resp.IncompleteDetails.Reason {
		case "max_output_tokens":
			return StopMaxTokens
		case "content_filter":
			return StopContentFilter
		}
	}
	if hasFunctionCall(resp.Output) {
		return StopToolUse
	}
	return StopEndTurn
}
