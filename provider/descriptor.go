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

// Package provider implements the per-dialect dispatchers that speak
// to upstream LLM services. Each dispatcher converts the normalized
// request to its wire dialect, posts it with the dialect's auth, and
// converts the answer back. Retries and circuit breaking wrap
// dispatchers from outside.
package provider

import "time"

// Dialect identifies an upstream wire protocol.
type Dialect string

const (
	DialectAnthropic       Dialect = "anthropic"
	DialectOpenAIChat      Dialect = "openai_chat"
	DialectOpenAIResponses Dialect = "openai_responses"
	DialectGemini          Dialect = "gemini"
)

// Descriptor describes one configured upstream. Descriptors are
// immutable for the life of a request; hot reload takes effect on the
// next request.
type Descriptor struct {
	Name         string  `json:"name"`
	Dialect      Dialect `json:"dialect"`
	Endpoint     string  `json:"endpoint"`
	APIKey       string  `json:"-"`
	DefaultModel string  `json:"default_model"`

	// MaxTools is the tool-count ceiling the router respects when
	// considering this provider. Zero means no ceiling.
	MaxTools int `json:"max_tools,omitempty"`

	SupportsTools     bool `json:"supports_tools"`
	SupportsStreaming bool `json:"supports_streaming"`

	// Local marks providers running on this host. Local providers are
	// never used as fallback targets.
	Local bool `json:"local,omitempty"`

	Timeout time.Duration `json:"-"`
}

// Model returns the model to send upstream: the request's own model
// when set, else the descriptor default.
func (d Descriptor) Model(requested string) string {
	if requested != "" {
		return requested
	}
	return d.DefaultModel
}
