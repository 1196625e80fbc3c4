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
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a dispatcher failure.
type ErrorKind string

const (
	// KindUnreachable covers transport failures and timeouts.
	KindUnreachable ErrorKind = "upstream_unreachable"
	// KindClientError covers upstream 4xx responses.
	KindClientError ErrorKind = "upstream_client_error"
	// KindServerError covers upstream 5xx responses.
	KindServerError ErrorKind = "upstream_server_error"
	// KindMalformed covers unparseable upstream responses.
	KindMalformed ErrorKind = "upstream_malformed"
)

// DispatchError is the uniform dispatcher failure type. It carries
// the upstream status and body so callers can classify it for retry
// and breaker accounting.
type DispatchError struct {
	Kind       ErrorKind
	Provider   string
	Status     int
	Message    string
	Body       string
	RetryAfter time.Duration
}

func (e *DispatchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// StatusCode returns the upstream HTTP status, or 0 for transport
// failures. Implements the classification hook used by the retry
// engine and circuit breaker.
func (e *DispatchError) StatusCode() int {
	return e.Status
}

// RetryAfterHint returns the upstream Retry-After delay, if any.
func (e *DispatchError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// unreachable wraps a transport error.
func unreachable(providerName string, err error) *DispatchError {
	return &DispatchError{
		Kind:     KindUnreachable,
		Provider: providerName,
		Message:  err.Error(),
	}
}

// malformed wraps a response parse failure.
func malformed(providerName string, err error) *DispatchError {
	return &DispatchError{
		Kind:     KindMalformed,
		Provider: providerName,
		Message:  err.Error(),
	}
}

// statusError classifies a non-2xx upstream response.
func statusError(providerName string, resp *http.Response, body []byte) *DispatchError {
	kind := KindClientError
	if resp.StatusCode >= 500 {
		kind = KindServerError
	}
	return &DispatchError{
		Kind:       kind,
		Provider:   providerName,
		Status:     resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       truncateBody(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
