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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"lynkr/gateway/limits"
	"lynkr/gateway/orchestrator"
	"lynkr/gateway/protocol"
	"lynkr/gateway/provider"
	"lynkr/gateway/router"
	"lynkr/gateway/streaming"
)

// clientDialect names the wire protocol the client spoke.
type clientDialect string

const (
	dialectAnthropic clientDialect = "anthropic"
	dialectChat      clientDialect = "openai_chat"
	dialectResponses clientDialect = "openai_responses"
)

const maxBodyBytes = 10 << 20

// handleMessages serves the Anthropic Messages endpoint.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var wire protocol.AnthropicRequest
	if !decodeBody(w, r, &wire) {
		return
	}
	req, err := protocol.FromAnthropicRequest(&wire)
	if err != nil {
		writeInvalidRequest(w, r, err)
		return
	}
	s.complete(w, r, req, dialectAnthropic)
}

// handleChatCompletions serves the OpenAI Chat Completions alias.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var wire protocol.ChatRequest
	if !decodeBody(w, r, &wire) {
		return
	}
	req, err := protocol.FromChatRequest(&wire)
	if err != nil {
		writeInvalidRequest(w, r, err)
		return
	}
	s.complete(w, r, req, dialectChat)
}

// handleResponses serves the OpenAI Responses alias.
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	var wire protocol.ResponsesRequest
	if !decodeBody(w, r, &wire) {
		return
	}
	req, err := protocol.FromResponsesRequest(&wire)
	if err != nil {
		writeInvalidRequest(w, r, err)
		return
	}
	s.complete(w, r, req, dialectResponses)
}

// complete is the shared pipeline behind every inference endpoint:
// route, invoke the agent loop, record usage, and answer in the
// client's dialect.
func (s *Server) complete(w http.ResponseWriter, r *http.Request, req *protocol.Request, dialect clientDialect) {
	requestID := RequestID(r)
	userID := UserID(r)

	if err := protocol.ValidateToolPairing(req.Messages); err != nil {
		writeInvalidRequest(w, r, err)
		return
	}

	decision, err := s.router.Route(req)
	if err != nil {
		writeError(w, requestID, userID, err)
		return
	}
	setRoutingHeaders(w, decision)

	session := s.touchSession(r, userID)

	// Simple path: stream straight off the upstream when no tools are
	// declared and the upstream speaks the client's dialect.
	if req.Stream && len(req.Tools) == 0 && s.canPassThrough(decision.Primary, dialect) {
		s.streamPassThrough(w, r, req, decision.Primary)
		return
	}

	result, err := s.orch.Run(r.Context(), req, decision.Chain(), requestID, s.agentLimits())
	if err != nil {
		s.observeFailedTurn(err)
		writeError(w, requestID, userID, err)
		return
	}
	s.metrics.ObserveTermination(result.Reason)
	if session != nil {
		session.Scratch["last_provider"] = result.Provider
	}

	s.recordUsage(r, req, result)

	if req.Stream {
		s.streamSynthesized(w, result.Response, dialect)
		return
	}

	switch dialect {
	case dialectAnthropic:
		writeJSON(w, http.StatusOK, protocol.ToAnthropicResponse(result.Response))
	case dialectChat:
		writeJSON(w, http.StatusOK, protocol.ToChatResponse(result.Response))
	case dialectResponses:
		writeJSON(w, http.StatusOK, protocol.ToResponsesResponse(result.Response))
	}
}

func (s *Server) canPassThrough(primary provider.Dispatcher, dialect clientDialect) bool {
	desc := primary.Descriptor()
	return desc.SupportsStreaming && string(desc.Dialect) == string(dialect)
}

func (s *Server) streamPassThrough(w http.ResponseWriter, r *http.Request, req *protocol.Request, primary provider.Dispatcher) {
	requestID := RequestID(r)
	userID := UserID(r)

	start := time.Now()
	body, err := primary.InvokeStream(r.Context(), req)
	s.tracker.Observe(primary.Name(), time.Since(start), err)
	s.metrics.ObserveUpstream(primary.Name(), err)
	if err != nil {
		writeError(w, requestID, userID, err)
		return
	}

	// The tap parses forwarded frames for token counts so streamed
	// turns are billed like buffered ones.
	tap, streamUsage := streaming.TapUsage(body)
	if err := streaming.PassThrough(r.Context(), w, tap); err != nil && r.Context().Err() == nil {
		gwLog.Warn(userID, requestID, "stream forwarding ended early", map[string]interface{}{
			"provider": primary.Name(),
			"error":    err.Error(),
		})
	}

	if u := streamUsage(); u.InputTokens > 0 || u.OutputTokens > 0 {
		s.recordStreamUsage(r, req, primary.Name(), u)
	}
}

// recordStreamUsage accounts a pass-through stream from the usage
// frames the upstream reported.
func (s *Server) recordStreamUsage(r *http.Request, req *protocol.Request, providerName string, u streaming.StreamUsage) {
	event := limits.UsageEvent{
		UserID:    UserID(r),
		SessionID: r.Header.Get("X-Session-Id"),
		Provider:  providerName,
		Model:     req.Model,
		TokensIn:  u.InputTokens,
		TokensOut: u.OutputTokens,
		CostCents: limits.CalculateCostCents(req.Model, u.InputTokens, u.OutputTokens),
		Timestamp: time.Now().UTC(),
	}
	if err := s.budget.RecordUsage(r.Context(), event); err != nil {
		gwLog.Warn(UserID(r), RequestID(r), "usage recording failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) streamSynthesized(w http.ResponseWriter, resp *protocol.Response, dialect clientDialect) {
	var err error
	switch dialect {
	case dialectAnthropic:
		err = streaming.SynthesizeAnthropic(w, resp)
	case dialectChat:
		err = streaming.SynthesizeChat(w, resp)
	case dialectResponses:
		err = streaming.SynthesizeResponses(w, resp)
	}
	if err != nil {
		gwLog.Warn("", "", "synthesized stream write failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// recordUsage writes exactly one usage row per successful turn,
// regardless of retries inside it.
func (s *Server) recordUsage(r *http.Request, req *protocol.Request, result *orchestrator.Result) {
	model := result.Response.Model
	if model == "" {
		model = req.Model
	}
	cost := limits.CalculateCostCents(model, result.Usage.InputTokens, result.Usage.OutputTokens)
	event := limits.UsageEvent{
		UserID:    UserID(r),
		SessionID: r.Header.Get("X-Session-Id"),
		Provider:  result.Provider,
		Model:     model,
		TokensIn:  result.Usage.InputTokens,
		TokensOut: result.Usage.OutputTokens,
		CostCents: cost,
		Timestamp: time.Now().UTC(),
	}
	if err := s.budget.RecordUsage(r.Context(), event); err != nil {
		gwLog.Warn(UserID(r), RequestID(r), "usage recording failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) observeFailedTurn(err error) {
	var oe *orchestrator.Error
	if errors.As(err, &oe) {
		s.metrics.ObserveTermination(oe.Reason)
	}
}

func (s *Server) touchSession(r *http.Request, userID string) *orchestrator.Session {
	if s.sessions == nil {
		return nil
	}
	id := r.Header.Get("X-Session-Id")
	if id == "" {
		return nil
	}
	return s.sessions.Get(id, userID)
}

func (s *Server) agentLimits() orchestrator.Limits {
	agent := s.cfg.Current().Agent
	l := orchestrator.Limits{MaxSteps: agent.MaxSteps}
	if agent.MaxDurationMs > 0 {
		l.MaxDuration = time.Duration(agent.MaxDurationMs) * time.Millisecond
	}
	if agent.ToolTimeoutMs > 0 {
		l.ToolTimeout = time.Duration(agent.ToolTimeoutMs) * time.Millisecond
	}
	return l
}

// handleCountTokens estimates the input token count of an Anthropic
// request at roughly four characters per token.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	var wire protocol.AnthropicRequest
	if !decodeBody(w, r, &wire) {
		return
	}
	req, err := protocol.FromAnthropicRequest(&wire)
	if err != nil {
		writeInvalidRequest(w, r, err)
		return
	}

	total := 0
	for _, sys := range req.System {
		total += protocol.EstimateTokens(sys)
	}
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			switch part.Type {
			case protocol.PartText:
				total += protocol.EstimateTokens(part.Text)
			case protocol.PartToolUse:
				total += protocol.EstimateTokens(string(part.ToolUse.Input))
			case protocol.PartToolResult:
				total += protocol.EstimateTokens(part.ToolResult.Content)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": total})
}

// handleEmbeddings passes the raw body through to the first upstream
// that exposes an embeddings surface.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	type embedder interface {
		Embeddings(ctx context.Context, body []byte) ([]byte, error)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeInvalidRequest(w, r, err)
		return
	}

	for _, name := range s.registry.Names() {
		d, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		e, ok := d.(embedder)
		if !ok {
			continue
		}
		out, err := e.Embeddings(r.Context(), body)
		if err != nil {
			writeError(w, RequestID(r), UserID(r), err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return
	}

	writeAPIError(w, RequestID(r), newAPIError(CodeInvalidRequest, http.StatusBadRequest,
		"no configured provider supports embeddings"))
}

// handleModels lists every provider's default model, OpenAI style.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var data []model
	for _, desc := range s.registry.Descriptors() {
		if desc.DefaultModel == "" {
			continue
		}
		data = append(data, model{ID: desc.DefaultModel, Object: "model", OwnedBy: desc.Name})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleProviders reports the configured upstream descriptors.
// Credentials never serialize.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.registry.Descriptors(),
	})
}

// handleConfig reports the routing configuration in effect.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"routing":   cfg.Routing,
		"log_level": cfg.Logging.Level,
		"providers": s.registry.Names(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.tracker.Reports(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleBreakerMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.breakers.Snapshots(),
	})
}

func (s *Server) handleShedMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.shedder.Stats())
}

func setRoutingHeaders(w http.ResponseWriter, decision router.Decision) {
	w.Header().Set("Routing-Provider", decision.Primary.Name())
	w.Header().Set("Routing-Complexity", strconv.Itoa(decision.Complexity.Value))
	w.Header().Set("Routing-Threshold", strconv.Itoa(router.CloudThreshold))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeInvalidRequest(w, r, fmt.Errorf("malformed request body: %w", err))
		return false
	}
	return true
}

func writeInvalidRequest(w http.ResponseWriter, r *http.Request, err error) {
	ae := newAPIError(CodeInvalidRequest, http.StatusBadRequest, err.Error())
	ae.Details = map[string]any{"errors": []string{err.Error()}}
	writeAPIError(w, RequestID(r), ae)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
