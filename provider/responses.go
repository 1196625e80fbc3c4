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

// ResponsesDispatcher speaks the OpenAI Responses dialect.
type ResponsesDispatcher struct {
	desc   Descriptor
	client HTTPClient
}

// NewResponsesDispatcher creates a dispatcher for a Responses-shaped
// upstream.
func NewResponsesDispatcher(desc Descriptor) *ResponsesDispatcher {
	return &ResponsesDispatcher{desc: desc, client: newHTTPClient(desc)}
}

// Name returns the configured provider name.
func (d *ResponsesDispatcher) Name() string { return d.desc.Name }

// Descriptor returns the upstream description.
func (d *ResponsesDispatcher) Descriptor() Descriptor { return d.desc }

func (d *ResponsesDispatcher) headers() map[string]string {
	h := map[string]string{}
	if d.desc.APIKey != "" {
		h["Authorization"] = "Bearer " + d.desc.APIKey
	}
	return h
}

func (d *ResponsesDispatcher) wireBody(req *protocol.Request, stream bool) ([]byte, error) {
	wire := protocol.ToResponsesRequest(req)
	wire.Model = d.desc.Model(req.Model)
	wire.Stream = stream
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	return body, nil
}

// Invoke posts the request and returns the normalized response.
func (d *ResponsesDispatcher) Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := d.wireBody(req, false)
	if err != nil {
		return nil, err
	}

	respBody, err := postJSON(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/responses", d.headers(), body)
	if err != nil {
		return nil, err
	}

	var wire protocol.ResponsesResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, malformed(d.desc.Name, err)
	}
	return protocol.FromResponsesResponse(&wire), nil
}

// InvokeStream posts the request with streaming enabled and returns
// the raw SSE body.
func (d *ResponsesDispatcher) InvokeStream(ctx context.Context, req *protocol.Request) (io.ReadCloser, error) {
	body, err := d.wireBody(req, true)
	if err != nil {
		return nil, err
	}
	return postStream(ctx, d.client, d.desc.Name, d.desc.Endpoint+"/v1/responses", d.headers(), body)
}
