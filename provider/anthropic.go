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
	"io"
	"time"

	"lynkr/gateway/protocol"
)

const anthropicAPIVersion = "2023-06-01"

// AnthropicDispatcher speaks the Anthropic Messages dialect.
type AnthropicDispatcher struct {
	desc   Descriptor
	client HTTPClient
}

// NewAnthropicDispatcher creates a dispatcher for an Anthropic-shaped
// upstream.
func NewAnthropicDispatcher(desc Descriptor) *AnthropicDispatcher {
	return &AnthropicDispatcher{desc: desc, client: newHTTPClient(desc)}
}

// Name returns the configured provider name.
func (d *AnthropicDispatcher) Name() string { return d.desc.Name }

// Descriptor returns the upstream description.
func (d *AnthropicDispatcher) Descriptor() Descriptor { return d.desc }

func (d *AnthropicDispatcher) headers() map[string]string {
	h := map[string]string{"anthropic-version": anthropicAPIVersion}
	if d.desc.APIKey != "" {
		h["x-api-key"] = d.desc.APIKey
	}
	return h
}

func (d *AnthropicDispatcher) wireBody(req *protocol.Request, stream bool) ([]byte, error) {
	wire := protocol.ToAnthropicRequest(req)
	wire.Model = d.desc.Model(req.Model)
	wire.Stream = stream
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	return body, nil
}

// Invoke posts the request and returns the normalized response.
func (d *AnthropicDispatcher) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := d.wireBody(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	respBody, err := postJSON(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/messages", d.headers(), body)
	if err != nil {
		return nil, err
	}

	var wire protocol.AnthropicResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	resp := protocol.FromAnthropicResponse(&wire)

	providerLog.InfoWithDuration("", "", "upstream call complete", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"provider":      d.desc.Name,
		"model":         wire.Model,
		"stop_reason":   string(resp.StopReason),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
	})
	return resp, nil
}

// InvokeStream posts the request with streaming enabled and returns
// the raw SSE body.
func (d *AnthropicDispatcher) InvokeStream(ctx context.Context, req *protocol.Request) (io.ReadCloser, error) {
	body, err := d.wireBody(req, true)
	if err != nil {
		return nil, err
	}
	return postStream(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/messages", d.headers(), body)
}
