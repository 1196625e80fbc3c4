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

	"lynkr/gateway/protocol"
)

// ChatDispatcher speaks the OpenAI Chat Completions dialect. It also
// serves OpenAI-compatible local runtimes like Ollama and LM Studio.
type ChatDispatcher struct {
	desc   Descriptor
	client HTTPClient
}

// NewChatDispatcher creates a dispatcher for a Chat-shaped upstream.
func NewChatDispatcher(desc Descriptor) *ChatDispatcher {
	return &ChatDispatcher{desc: desc, client: newHTTPClient(desc)}
}

// Name returns the configured provider name.
func (d *ChatDispatcher) Name() string { return d.desc.Name }

// Descriptor returns the upstream description.
func (d *ChatDispatcher) Descriptor() Descriptor { return d.desc }

func (d *ChatDispatcher) headers() map[string]string {
	h := map[string]string{}
	if d.desc.APIKey != "" {
		h["Authorization"] = "Bearer " + d.desc.APIKey
	}
	return h
}

func (d *ChatDispatcher) wireBody(req *protocol.Request, stream bool) ([]byte, error) {
	wire := protocol.ToChatRequest(req)
	wire.Model = d.desc.Model(req.Model)
	wire.Stream = stream
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	return body, nil
}

// Invoke posts the request and returns the normalized response.
func (d *ChatDispatcher) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := d.wireBody(req, false)
	if err != nil {
		return nil, err
	}

	respBody, err := postJSON(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/chat/completions", d.headers(), body)
	if err != nil {
		return nil, err
	}

	var wire protocol.ChatResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	return protocol.FromChatResponse(&wire), nil
}

// InvokeStream posts the request with streaming enabled and returns
// the raw SSE body.
func (d *ChatDispatcher) InvokeStream(ctx context.Context, req *protocol.Request) (io.ReadCloser, error) {
	body, err := d.wireBody(req, true)
	if err != nil {
		return nil, err
	}
	return postStream(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/chat/completions", d.headers(), body)
}

// Embeddings forwards a raw embeddings request body unchanged and
// returns the upstream body. The gateway does not normalize
// embeddings payloads.
func (d *ChatDispatcher) Embeddings(ctx context.Context, body []byte) ([]byte, error) {
	return postJSON(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/embeddings", d.headers(), body)
}
