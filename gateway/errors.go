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

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"lynkr/gateway/orchestrator"
	"lynkr/gateway/provider"
	"lynkr/gateway/resilience"
)

// Error taxonomy codes surfaced in the uniform error body.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeToolDisallowed      = "tool_disallowed"
	CodeToolLimitReached    = "tool_limit_reached"
	CodeFileAccessDenied    = "file_access_denied"
	CodeUnsafeShellCommand  = "unsafe_shell_command"
	CodeBreakerOpen         = "circuit_breaker_open"
	CodeUpstreamUnreachable = "upstream_unreachable"
	CodeUpstreamClientError = "upstream_client_error"
	CodeUpstreamServerError = "upstream_server_error"
	CodeUpstreamMalformed   = "upstream_malformed"
	CodeServiceUnavailable  = "service_unavailable"
	CodeTimeout             = "timeout"
	CodeInternalError       = "internal_error"
)

// apiError is the gateway's internal error shape, rendered as the
// uniform JSON body.
type apiError struct {
	Code       string
	Status     int
	Message    string
	Details    map[string]any
	RetryAfter int // seconds, 0 means no header

	// operational errors are expected and logged at warn; everything
	// else is logged at error with a generic client message.
	operational bool
}

func (e *apiError) Error() string { return e.Code + ": " + e.Message }

func newAPIError(code string, status int, message string) *apiError {
	return &apiError{Code: code, Status: status, Message: message, operational: status < 500}
}

// classifyError maps component errors onto the taxonomy.
func classifyError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}

	if errors.Is(err, resilience.ErrBreakerOpen) {
		out := newAPIError(CodeBreakerOpen, http.StatusServiceUnavailable, "upstream circuit breaker is open")
		out.RetryAfter = 5
		return out
	}

	var de *provider.DispatchError
	if errors.As(err, &de) {
		return classifyDispatchError(de)
	}

	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		switch oe.Reason {
		case orchestrator.ReasonTimeout:
			return newAPIError(CodeTimeout, http.StatusGatewayTimeout, "request timed out before a terminal response")
		case orchestrator.ReasonStepLimit, orchestrator.ReasonToolLimit:
			return newAPIError(CodeToolLimitReached, http.StatusTooManyRequests, oe.Error())
		case orchestrator.ReasonPolicyDenied:
			return newAPIError(CodeUnsafeShellCommand, http.StatusForbidden, "tool call denied by policy")
		case orchestrator.ReasonUpstreamExhausted:
			if inner := oe.Unwrap(); inner != nil {
				return classifyError(inner)
			}
			return newAPIError(CodeUpstreamUnreachable, http.StatusBadGateway, "all upstream providers failed")
		}
	}

	out := newAPIError(CodeInternalError, http.StatusInternalServerError, "internal error")
	out.operational = false
	return out
}

func classifyDispatchError(de *provider.DispatchError) *apiError {
	switch de.Kind {
	case provider.KindUnreachable:
		return newAPIError(CodeUpstreamUnreachable, http.StatusBadGateway, de.Error())
	case provider.KindClientError:
		ae := newAPIError(CodeUpstreamClientError, http.StatusBadGateway, de.Error())
		ae.Details = map[string]any{"upstream_status": de.Status}
		if de.RetryAfter > 0 {
			ae.RetryAfter = int(de.RetryAfter.Seconds())
		}
		return ae
	case provider.KindServerError:
		ae := newAPIError(CodeUpstreamServerError, http.StatusBadGateway, de.Error())
		ae.Details = map[string]any{"upstream_status": de.Status}
		return ae
	case provider.KindMalformed:
		return newAPIError(CodeUpstreamMalformed, http.StatusBadGateway, de.Error())
	default:
		return newAPIError(CodeUpstreamServerError, http.StatusBadGateway, de.Error())
	}
}

// writeAPIError renders the uniform error body.
func writeAPIError(w http.ResponseWriter, requestID string, ae *apiError) {
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ae.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status)

	message := ae.Message
	if !ae.operational {
		message = "an internal error occurred"
	}
	body := map[string]any{
		"error": map[string]any{
			"code":      ae.Code,
			"message":   message,
			"requestId": requestID,
		},
	}
	if len(ae.Details) > 0 {
		body["error"].(map[string]any)["details"] = ae.Details
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError classifies err, logs it by severity, and renders it.
func writeError(w http.ResponseWriter, requestID, userID string, err error) {
	ae := classifyError(err)
	if ae.operational {
		gwLog.Warn(userID, requestID, "request failed", map[string]interface{}{
			"code":   ae.Code,
			"status": ae.Status,
			"error":  err.Error(),
		})
	} else {
		gwLog.Error(userID, requestID, "request failed unexpectedly", map[string]interface{}{
			"code":   ae.Code,
			"status": ae.Status,
			"error":  err.Error(),
		})
	}
	writeAPIError(w, requestID, ae)
}
