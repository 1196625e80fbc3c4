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
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxUserID    ctxKey = "user_id"
)

// RequestID returns the request id minted or propagated for r.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxRequestID).(string)
	return id
}

// UserID returns the authenticated or header-supplied user id.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(ctxUserID).(string)
	if id == "" {
		return "anonymous"
	}
	return id
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestID propagates X-Request-Id, minting a 16-byte hex id when
// the client sent none. The id is echoed on every response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = mintRequestID()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		if user := r.Header.Get("X-User-Id"); user != "" {
			ctx = context.WithValue(ctx, ctxUserID, user)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func mintRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// withRecovery converts a handler panic into a 500 instead of killing
// the connection without a body.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				gwLog.Error(UserID(r), RequestID(r), "handler panic", map[string]interface{}{
					"panic": fmt.Sprintf("%v", rec),
					"path":  r.URL.Path,
				})
				ae := newAPIError(CodeInternalError, http.StatusInternalServerError, "internal error")
				ae.operational = false
				writeAPIError(w, RequestID(r), ae)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withObservability logs each request and feeds the metrics stores.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.metrics.ObserveRequest(r.URL.Path, rec.status, elapsed)
		gwLog.InfoWithDuration(UserID(r), RequestID(r), "request handled",
			float64(elapsed.Milliseconds()), map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": rec.status,
			})
	})
}

// withAuth validates a Bearer JWT when a secret is configured. The
// token's sub claim becomes the user id unless X-User-Id was set.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Current().Server.JWTSecret
		required := s.cfg.Current().Server.JWTRequired
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			if required {
				writeAPIError(w, RequestID(r), newAPIError(CodeUnauthorized,
					http.StatusUnauthorized, "missing bearer token"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			writeAPIError(w, RequestID(r), newAPIError(CodeUnauthorized,
				http.StatusUnauthorized, "invalid bearer token"))
			return
		}

		ctx := r.Context()
		if ctx.Value(ctxUserID) == nil {
			if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
				ctx = context.WithValue(ctx, ctxUserID, sub)
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withLoadShedding rejects work when the process is overloaded. The
// in-flight slot is released exactly once, including on client
// disconnect mid-stream.
func (s *Server) withLoadShedding(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		release, ok := s.shedder.Admit()
		if !ok {
			s.metrics.ObserveShedded()
			ae := newAPIError(CodeServiceUnavailable, http.StatusServiceUnavailable,
				"service overloaded, try again shortly")
			ae.RetryAfter = 5
			writeAPIError(w, RequestID(r), ae)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}

// withRateLimit enforces per-user minute and hour windows.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.rate.Check(r.Context(), UserID(r))
		if !decision.Allowed {
			s.metrics.ObserveRateLimited()
			ae := newAPIError(CodeRateLimitExceeded, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded (%s)", decision.Reason))
			ae.RetryAfter = int(decision.RetryAfter.Seconds())
			if ae.RetryAfter < 1 {
				ae.RetryAfter = 1
			}
			ae.Details = map[string]any{
				"reason":     decision.Reason,
				"limit":      decision.Limit,
				"current":    decision.Current,
				"retryAfter": ae.RetryAfter,
			}
			writeAPIError(w, RequestID(r), ae)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withBudget enforces monthly token, request, and cost ceilings.
func (s *Server) withBudget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := s.budget.Check(r.Context(), UserID(r))
		if !decision.Allowed {
			ae := newAPIError(CodeBudgetExceeded, http.StatusPaymentRequired,
				fmt.Sprintf("monthly budget exceeded (%s)", decision.Reason))
			ae.Details = map[string]any{
				"reason": decision.Reason,
				"usage":  decision.Usage,
				"limits": decision.Limits,
			}
			writeAPIError(w, RequestID(r), ae)
			return
		}
		for _, warning := range decision.Warnings {
			gwLog.Warn(UserID(r), RequestID(r), "budget warning", map[string]interface{}{
				"warning": warning,
			})
		}
		next.ServeHTTP(w, r)
	})
}

// admission is the middleware chain for inference endpoints.
func (s *Server) admission(next http.Handler) http.Handler {
	return s.withLoadShedding(s.withAuth(s.withRateLimit(s.withBudget(next))))
}
