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

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"lynkr/gateway/protocol"
)

// GeminiDispatcher speaks the Google Gemini generateContent dialect.
// Gemini function calls carry no call ids, so tool_use ids are
// synthesized from the function name and call ordinal; the same id
// maps tool results back to functionResponse parts.
type GeminiDispatcher struct {
	desc   Descriptor
	client HTTPClient
}

// NewGeminiDispatcher creates a dispatcher for a Gemini upstream.
func NewGeminiDispatcher(desc Descriptor) *GeminiDispatcher {
	return &GeminiDispatcher{desc: desc, client: newHTTPClient(desc)}
}

// Name returns the configured provider name.
func (d *GeminiDispatcher) Name() string { return d.desc.Name }

// Descriptor returns the upstream description.
func (d *GeminiDispatcher) Descriptor() Descriptor { return d.desc }

// Gemini wire types.

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user, model
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

func (d *GeminiDispatcher) wireBody(req *protocol.Request) ([]byte, error) {
	wire := &geminiRequest{}

	if len(req.System) > 0 {
		wire.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: strings.Join(req.System, "\n\n")}},
		}
	}

	for _, t := range req.Tools {
		if len(wire.Tools) == 0 {
			wire.Tools = []geminiTool{{}}
		}
		wire.Tools[0].FunctionDeclarations = append(wire.Tools[0].FunctionDeclarations, geminiFunctionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "model"
		}
		content := geminiContent{Role: role}
		for _, p := range msg.Parts {
			switch p.Type {
			case protocol.PartText:
				content.Parts = append(content.Parts, geminiPart{Text: p.Text})
			case protocol.PartToolUse:
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: p.ToolUse.Name,
						Args: p.ToolUse.Input,
					},
				})
			case protocol.PartToolResult:
				content.Parts = append(content.Parts, geminiPart{
					FunctionResponse: &geminiFunctionResponse{
						Name:     toolNameFromSyntheticID(p.ToolResult.ToolUseID),
						Response: map[string]any{"content": p.ToolResult.Content},
					},
				})
			}
		}
		if len(content.Parts) > 0 {
			wire.Contents = append(wire.Contents, content)
		}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		wire.GenerationConfig = &geminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	return body, nil
}

// syntheticToolID builds a stable tool_use id for a Gemini function
// call.
func syntheticToolID(name string, ordinal int) string {
	return fmt.Sprintf("%s-%d", name, ordinal)
}

// toolNameFromSyntheticID recovers the function name from a synthetic
// id.
func toolNameFromSyntheticID(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return id
}

func (d *GeminiDispatcher) url(req *protocol.Request, method, query string) string {
	model := d.desc.Model(req.Model)
	u := fmt.Sprintf("%s/v1beta/models/%s:%s", d.desc.Endpoint, model, method)
	sep := "?"
	if d.desc.APIKey != "" {
		u += sep + "key=" + d.desc.APIKey
		sep = "&"
	}
	if query != "" {
		u += sep + query
	}
	return u
}

// Invoke posts the request and returns the normalized response.
func (d *GeminiDispatcher) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := d.wireBody(req)
	if err != nil {
		return nil, err
	}

	respBody, err := postJSON(ctx, d.client, d.desc.Name, d.url(req, "generateContent", ""), nil, body)
	if err != nil {
		return nil, err
	}

	var wire geminiResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, malformed(d.desc.Name, err)
	}

	resp := &protocol.Response{
		Model: d.desc.Model(req.Model),
		Usage: protocol.Usage{
			InputTokens:     wire.UsageMetadata.PromptTokenCount,
			OutputTokens:    wire.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: wire.UsageMetadata.CachedContentTokenCount,
		},
		StopReason: protocol.StopEndTurn,
	}
	if len(wire.Candidates) == 0 {
		return resp, nil
	}

	candidate := wire.Candidates[0]
	ordinal := 0
	for _, p := range candidate.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args := protocol.SanitizeToolArguments(string(p.FunctionCall.Args))
			resp.Parts = append(resp.Parts,
				protocol.ToolUsePart(syntheticToolID(p.FunctionCall.Name, ordinal), p.FunctionCall.Name, args))
			ordinal++
		case p.Text != "":
			resp.Parts = append(resp.Parts, protocol.TextPart(p.Text))
		}
	}
	resp.Parts = protocol.CollapseTextParts(resp.Parts)

	switch candidate.FinishReason {
	case "MAX_TOKENS":
		resp.StopReason = protocol.StopMaxTokens
	case "SAFETY", "PROHIBITED_CONTENT":
		resp.StopReason = protocol.StopContentFilter
	}
	resp.Normalize()
	return resp, nil
}

// InvokeStream posts the request against the SSE variant of the
// generate endpoint and returns the raw body.
func (d *GeminiDispatcher) InvokeStream(ctx context.Context, req *protocol.Request) (io.ReadCloser, error) {
	body, err := d.wireBody(req)
	if err != nil {
		return nil, err
	}
	return postStream(ctx, d.client, d.desc.Name, d.url(req, "streamGenerateContent", "alt=sse"), nil, body)
}
