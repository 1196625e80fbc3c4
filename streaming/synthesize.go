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
	"fmt"
	"io"
	"time"

	"lynkr/gateway/protocol"
)

// textChunkSize is the target size of synthesized text deltas.
const textChunkSize = 20

// SynthesizeAnthropic replays a buffered response as an Anthropic
// Messages event stream: message_start, one content block per part
// with its deltas, message_delta carrying the stop reason and output
// tokens, then message_stop.
func SynthesizeAnthropic(w io.Writer, resp *protocol.Response) error {
	sw := NewWriter(w)

	if err := sw.Event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            resp.ID,
			"type":          "message",
			"role":          "assistant",
			"model":         resp.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": 0,
			},
		},
	}); err != nil {
		return err
	}

	index := 0
	for _, part := range resp.Parts {
		switch part.Type {
		case protocol.PartText:
			if err := sw.Event("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         index,
				"content_block": map[string]any{"type": "text", "text": ""},
			}); err != nil {
				return err
			}
			for _, chunk := range chunkText(part.Text, textChunkSize) {
				if err := sw.Event("content_block_delta", map[string]any{
					"type":  "content_block_delta",
					"index": index,
					"delta": map[string]any{"type": "text_delta", "text": chunk},
				}); err != nil {
					return err
				}
			}
		case protocol.PartToolUse:
			if err := sw.Event("content_block_start", map[string]any{
				"type":  "content_block_start",
				"index": index,
				"content_block": map[string]any{
					"type":  "tool_use",
					"id":    part.ToolUse.ID,
					"name":  part.ToolUse.Name,
					"input": map[string]any{},
				},
			}); err != nil {
				return err
			}
			// Tool input goes out as one input_json_delta; clients
			// reassemble from the partial_json stream.
			if err := sw.Event("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": index,
				"delta": map[string]any{
					"type":         "input_json_delta",
					"partial_json": string(part.ToolUse.Input),
				},
			}); err != nil {
				return err
			}
		default:
			continue
		}
		if err := sw.Event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": index,
		}); err != nil {
			return err
		}
		index++
	}

	if err := sw.Event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   string(resp.StopReason),
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": resp.Usage.OutputTokens},
	}); err != nil {
		return err
	}
	return sw.Event("message_stop", map[string]any{"type": "message_stop"})
}

// SynthesizeResponses replays a buffered response as an OpenAI
// Responses event stream. Every frame carries a monotonically
// increasing sequence_number.
func SynthesizeResponses(w io.Writer, resp *protocol.Response) error {
	sw := NewWriter(w)
	seq := 0
	emit := func(eventType string, payload map[string]any) error {
		payload["type"] = eventType
		payload["sequence_number"] = seq
		seq++
		return sw.Event(eventType, payload)
	}

	envelope := func(status string) map[string]any {
		return map[string]any{
			"id":     resp.ID,
			"object": "response",
			"status": status,
			"model":  resp.Model,
		}
	}

	if err := emit("response.created", map[string]any{"response": envelope("in_progress")}); err != nil {
		return err
	}
	if err := emit("response.in_progress", map[string]any{"response": envelope("in_progress")}); err != nil {
		return err
	}

	var output []map[string]any
	for i, part := range resp.Parts {
		switch part.Type {
		case protocol.PartText:
			itemID := fmt.Sprintf("msg_%s_%d", resp.ID, i)
			item := map[string]any{
				"type":    "message",
				"id":      itemID,
				"status":  "in_progress",
				"role":    "assistant",
				"content": []any{},
			}
			if err := emit("response.output_item.added", map[string]any{
				"output_index": i, "item": item,
			}); err != nil {
				return err
			}
			if err := emit("response.content_part.added", map[string]any{
				"item_id": itemID, "output_index": i, "content_index": 0,
				"part": map[string]any{"type": "output_text", "text": ""},
			}); err != nil {
				return err
			}
			for _, chunk := range chunkText(part.Text, textChunkSize) {
				if err := emit("response.output_text.delta", map[string]any{
					"item_id": itemID, "output_index": i, "content_index": 0,
					"delta": chunk,
				}); err != nil {
					return err
				}
			}
			if err := emit("response.output_text.done", map[string]any{
				"item_id": itemID, "output_index": i, "content_index": 0,
				"text": part.Text,
			}); err != nil {
				return err
			}
			donePart := map[string]any{"type": "output_text", "text": part.Text}
			if err := emit("response.content_part.done", map[string]any{
				"item_id": itemID, "output_index": i, "content_index": 0,
				"part": donePart,
			}); err != nil {
				return err
			}
			doneItem := map[string]any{
				"type":    "message",
				"id":      itemID,
				"status":  "completed",
				"role":    "assistant",
				"content": []any{donePart},
			}
			if err := emit("response.output_item.done", map[string]any{
				"output_index": i, "item": doneItem,
			}); err != nil {
				return err
			}
			output = append(output, doneItem)

		case protocol.PartToolUse:
			itemID := fmt.Sprintf("fc_%s_%d", resp.ID, i)
			item := map[string]any{
				"type":      "function_call",
				"id":        itemID,
				"status":    "in_progress",
				"call_id":   part.ToolUse.ID,
				"name":      part.ToolUse.Name,
				"arguments": "",
			}
			if err := emit("response.output_item.added", map[string]any{
				"output_index": i, "item": item,
			}); err != nil {
				return err
			}
			args := string(part.ToolUse.Input)
			if err := emit("response.function_call_arguments.delta", map[string]any{
				"item_id": itemID, "output_index": i, "delta": args,
			}); err != nil {
				return err
			}
			if err := emit("response.function_call_arguments.done", map[string]any{
				"item_id": itemID, "output_index": i, "arguments": args,
			}); err != nil {
				return err
			}
			doneItem := map[string]any{
				"type":      "function_call",
				"id":        itemID,
				"status":    "completed",
				"call_id":   part.ToolUse.ID,
				"name":      part.ToolUse.Name,
				"arguments": args,
			}
			if err := emit("response.output_item.done", map[string]any{
				"output_index": i, "item": doneItem,
			}); err != nil {
				return err
			}
			output = append(output, doneItem)
		}
	}

	completed := envelope("completed")
	completed["output"] = output
	completed["usage"] = map[string]any{
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"total_tokens":  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return emit("response.completed", map[string]any{"response": completed})
}

// SynthesizeChat replays a buffered response as an OpenAI Chat
// Completions chunk stream ending with the [DONE] sentinel.
func SynthesizeChat(w io.Writer, resp *protocol.Response) error {
	sw := NewWriter(w)
	created := time.Now().Unix()

	chunk := func(delta map[string]any, finish any) map[string]any {
		return map[string]any{
			"id":      resp.ID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   resp.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
	}

	if err := sw.Data(chunk(map[string]any{"role": "assistant"}, nil)); err != nil {
		return err
	}

	toolIndex := 0
	for _, part := range resp.Parts {
		switch part.Type {
		case protocol.PartText:
			for _, c := range chunkText(part.Text, textChunkSize) {
				if err := sw.Data(chunk(map[string]any{"content": c}, nil)); err != nil {
					return err
				}
			}
		case protocol.PartToolUse:
			if err := sw.Data(chunk(map[string]any{
				"tool_calls": []any{map[string]any{
					"index": toolIndex,
					"id":    part.ToolUse.ID,
					"type":  "function",
					"function": map[string]any{
						"name":      part.ToolUse.Name,
						"arguments": string(part.ToolUse.Input),
					},
				}},
			}, nil)); err != nil {
				return err
			}
			toolIndex++
		}
	}

	if err := sw.Data(chunk(map[string]any{}, chatFinishReason(resp.StopReason))); err != nil {
		return err
	}
	return sw.Done()
}

func chatFinishReason(stop protocol.StopReason) string {
	switch stop {
	case protocol.StopToolUse:
		return "tool_calls"
	case protocol.StopMaxTokens:
		return "length"
	case protocol.StopContentFilter:
		return "content_filter"
	default:
		return "stop"
	}
}

// chunkText splits s into rune-safe pieces of roughly size characters.
func chunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
