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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"lynkr/gateway/protocol"
	"lynkr/gateway/shared/logger"
)

var providerLog = logger.New("provider")

// DefaultTimeout is the HTTP timeout applied when the descriptor does
// not set one.
const DefaultTimeout = 120 * time.Second

// HTTPClient is the HTTP client surface dispatchers use. The
// indirection enables testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dispatcher speaks one upstream dialect.
type Dispatcher interface {
	// Name returns the configured provider name.
	Name() string

	// Descriptor returns the upstream description used for routing.
	Descriptor() Descriptor

	// Invoke sends the normalized request upstream and returns the
	// normalized response. Failures are *DispatchError.
	Invoke(ctx context.Context, req *protocol.Request) (*protocol.Response, error)

	// InvokeStream sends the request with streaming enabled and
	// returns the raw SSE body for pass-through forwarding. Caller
	// closes it.
	InvokeStream(ctx context.Context, req *protocol.Request) (io.ReadCloser, error)
}

// postJSON posts a wire body and returns the response body. Non-2xx
// responses and transport failures come back as *DispatchError.
func postJSON(ctx context.Context, client HTTPClient, providerName, url string, headers map[string]string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, unreachable(providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, unreachable(providerName, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unreachable(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(providerName, resp, respBody)
	}
	return respBody, nil
}

// postStream posts a wire body and returns the open response body for
// SSE forwarding.
func postStream(ctx context.Context, client HTTPClient, providerName, url string, headers map[string]string, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, unreachable(providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, unreachable(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, statusError(providerName, resp, respBody)
	}
	return resp.Body, nil
}

// newHTTPClient builds the default client for a descriptor. Streaming
// responses outlive the request timeout, so only dialing is bounded.
func newHTTPClient(d Descriptor) *http.Client {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Registry holds the configured dispatchers by provider name.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
	order       []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

// Register adds a dispatcher. Registration order is preserved for
// listing.
func (r *Registry) Register(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dispatchers[d.Name()]; !ok {
		r.order = append(r.order, d.Name())
	}
	r.dispatchers[d.Name()] = d
}

// Get returns the named dispatcher.
func (r *Registry) Get(name string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return d, nil
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns every registered descriptor in registration
// order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.dispatchers[name].Descriptor())
	}
	return out
}

// NewDispatcher constructs the dispatcher matching the descriptor's
// dialect.
func NewDispatcher(d Descriptor) (Dispatcher, error) {
	switch d.Dialect {
	case DialectAnthropic:
		return NewAnthropicDispatcher(d), nil
	case DialectOpenAIChat:
		return NewChatDispatcher(d), nil
	case DialectOpenAIResponses:
		return NewResponsesDispatcher(d), nil
	case DialectGemini:
		return NewGeminiDispatcher(d), nil
	}
	return nil, fmt.Errorf("unknown dialect %q for provider %q", d.Dialect, d.Name)
}
