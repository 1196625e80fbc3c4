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

package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lynkr/gateway/protocol"
)

type frame struct {
	event string
	data  map[string]any
}

// parseFrames splits an SSE buffer into (event, data) pairs. Anonymous
// data frames get an empty event name.
func parseFrames(t *testing.T, raw string) []frame {
	t.Helper()
	var frames []frame
	event := ""
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				frames = append(frames, frame{event: "done"})
				continue
			}
			var data map[string]any
			require.NoError(t, json.Unmarshal([]byte(payload), &data))
			frames = append(frames, frame{event: event, data: data})
			event = ""
		}
	}
	return frames
}

func textToolResponse() *protocol.Response {
	return &protocol.Response{
		ID:    "resp_42",
		Model: "claude-sonnet-4",
		Parts: []protocol.Part{
			protocol.TextPart("The weather in Paris is mild today, around 18 degrees."),
			protocol.ToolUsePart("toolu_1", "get_weather", json.RawMessage(`{"location":"Paris"}`)),
		},
		StopReason: protocol.StopToolUse,
		Usage:      protocol.Usage{InputTokens: 40, OutputTokens: 25},
	}
}

func TestSynthesizeAnthropicSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SynthesizeAnthropic(&buf, textToolResponse()))

	frames := parseFrames(t, buf.String())
	require.NotEmpty(t, frames)

	assert.Equal(t, "message_start", frames[0].event)
	assert.Equal(t, "message_stop", frames[len(frames)-1].event)
	assert.Equal(t, "message_delta", frames[len(frames)-2].event)

	delta := frames[len(frames)-2].data["delta"].(map[string]any)
	assert.Equal(t, "tool_use", delta["stop_reason"])
	usage := frames[len(frames)-2].data["usage"].(map[string]any)
	assert.Equal(t, float64(25), usage["output_tokens"])

	// Text streams as multiple ~20 char deltas; tool input is exactly
	// one input_json_delta.
	var textDeltas, jsonDeltas int
	var reassembled strings.Builder
	for _, f := range frames {
		if f.event != "content_block_delta" {
			continue
		}
		d := f.data["delta"].(map[string]any)
		switch d["type"] {
		case "text_delta":
			textDeltas++
			reassembled.WriteString(d["text"].(string))
		case "input_json_delta":
			jsonDeltas++
			assert.JSONEq(t, `{"location":"Paris"}`, d["partial_json"].(string))
		}
	}
	assert.Greater(t, textDeltas, 1)
	assert.Equal(t, 1, jsonDeltas)
	assert.Equal(t, "The weather in Paris is mild today, around 18 degrees.", reassembled.String())

	// Two content blocks, each opened and closed once.
	starts := countEvents(frames, "content_block_start")
	stops := countEvents(frames, "content_block_stop")
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
}

func TestSynthesizeResponsesSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SynthesizeResponses(&buf, textToolResponse()))

	frames := parseFrames(t, buf.String())
	require.NotEmpty(t, frames)

	assert.Equal(t, "response.created", frames[0].event)
	assert.Equal(t, "response.in_progress", frames[1].event)
	assert.Equal(t, "response.completed", frames[len(frames)-1].event)

	for i, f := range frames {
		require.Contains(t, f.data, "sequence_number", f.event)
		assert.Equal(t, float64(i), f.data["sequence_number"], f.event)
	}

	// The completed envelope carries both output items and usage.
	completed := frames[len(frames)-1].data["response"].(map[string]any)
	output := completed["output"].([]any)
	require.Len(t, output, 2)
	assert.Equal(t, "message", output[0].(map[string]any)["type"])
	assert.Equal(t, "function_call", output[1].(map[string]any)["type"])
	usage := completed["usage"].(map[string]any)
	assert.Equal(t, float64(65), usage["total_tokens"])

	var textDeltas int
	for _, f := range frames {
		if f.event == "response.output_text.delta" {
			textDeltas++
		}
	}
	assert.Greater(t, textDeltas, 1)
}

func TestSynthesizeChatStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SynthesizeChat(&buf, textToolResponse()))

	frames := parseFrames(t, buf.String())
	require.NotEmpty(t, frames)

	assert.Equal(t, "done", frames[len(frames)-1].event)

	first := frames[0].data
	assert.Equal(t, "chat.completion.chunk", first["object"])
	firstDelta := first["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	assert.Equal(t, "assistant", firstDelta["role"])

	final := frames[len(frames)-2].data
	finish := final["choices"].([]any)[0].(map[string]any)["finish_reason"]
	assert.Equal(t, "tool_calls", finish)

	var sawToolCall bool
	for _, f := range frames[:len(frames)-1] {
		delta := f.data["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
		if calls, ok := delta["tool_calls"].([]any); ok {
			sawToolCall = true
			fn := calls[0].(map[string]any)["function"].(map[string]any)
			assert.Equal(t, "get_weather", fn["name"])
		}
	}
	assert.True(t, sawToolCall)
}

func TestReaderParsesEvents(t *testing.T) {
	stream := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hi\"}\n\n" +
		"data: not-json\n\n" +
		"data: {\"type\":\"response.completed\"}\n\n" +
		"data: [DONE]\n\n"
	r := NewReader(strings.NewReader(stream))

	evt, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "response.output_text.delta", evt.Type)
	assert.Equal(t, "Hi", evt.Data["delta"])

	evt, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "response.completed", evt.Type)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestPassThroughCopiesFrames(t *testing.T) {
	upstream := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	var buf bytes.Buffer

	err := PassThrough(context.Background(), &buf, io.NopCloser(strings.NewReader(upstream)))
	require.NoError(t, err)
	assert.Equal(t, upstream, buf.String())
}

func TestPassThroughCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	upstream := "data: {\"type\":\"x\"}\n\ndata: {\"type\":\"y\"}\n\n"
	var buf bytes.Buffer

	err := PassThrough(ctx, &buf, io.NopCloser(strings.NewReader(upstream)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTapUsageObservesTokenCounts(t *testing.T) {
	upstream := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":40}}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":25}}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	tap, usage := TapUsage(io.NopCloser(strings.NewReader(upstream)))
	var sink bytes.Buffer
	require.NoError(t, PassThrough(context.Background(), &sink, tap))

	// Forwarded bytes are untouched by the tap.
	assert.Equal(t, upstream, sink.String())
	u := usage()
	assert.Equal(t, 40, u.InputTokens)
	assert.Equal(t, 25, u.OutputTokens)
}

func TestTapUsageChatDialect(t *testing.T) {
	upstream := "data: {\"object\":\"chat.completion.chunk\",\"usage\":{\"prompt_tokens\":12,\"completion_tokens\":7}}\n\n" +
		"data: [DONE]\n\n"

	tap, usage := TapUsage(io.NopCloser(strings.NewReader(upstream)))
	var sink bytes.Buffer
	require.NoError(t, PassThrough(context.Background(), &sink, tap))

	u := usage()
	assert.Equal(t, 12, u.InputTokens)
	assert.Equal(t, 7, u.OutputTokens)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", 20))
	assert.Equal(t, []string{"short"}, chunkText("short", 20))

	chunks := chunkText(strings.Repeat("a", 45), 20)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[2], 5)

	// Multi-byte runes never split mid-character.
	for _, c := range chunkText(strings.Repeat("héllo wörld ", 10), 20) {
		assert.True(t, len([]rune(c)) <= 20)
	}
}

func countEvents(frames []frame, event string) int {
	n := 0
	for _, f := range frames {
		if f.event == event {
			n++
		}
	}
	return n
}
