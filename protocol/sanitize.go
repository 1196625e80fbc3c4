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

package protocol

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"lynkr/gateway/shared/logger"
)

var protoLog = logger.New("protocol")

// SanitizeToolArguments decodes tool arguments through strict JSON.
// Malformed arguments never propagate as a parse error: they degrade
// to an empty object with a diagnostic log.
func SanitizeToolArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		protoLog.Warn("", "", "malformed tool arguments, substituting empty object", map[string]interface{}{
			"error":  err.Error(),
			"prefix": truncate(trimmed, 80),
		})
		return json.RawMessage(`{}`)
	}
	// Re-marshal to normalize whitespace and key ordering quirks.
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// LooksLikeToolCallJSON reports whether a text payload is itself a
// serialized tool-call object. Some local models emit the tool call
// both as structured content and as text; the textual duplicate must
// be dropped rather than surfaced to the client.
func LooksLikeToolCallJSON(text string) bool {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return false
	}
	if gjson.Get(trimmed, "type").String() == "tool_use" {
		return true
	}
	name := gjson.Get(trimmed, "name")
	if !name.Exists() || name.String() == "" {
		return false
	}
	return gjson.Get(trimmed, "input").Exists() ||
		gjson.Get(trimmed, "arguments").Exists() ||
		gjson.Get(trimmed, "parameters").Exists()
}

// CollapseTextParts merges runs of adjacent text parts. A content
// array whose parts are all text collapses to a single text part;
// mixed arrays preserve order.
func CollapseTextParts(parts []Part) []Part {
	if len(parts) < 2 {
		return parts
	}
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		if p.Type == PartText && len(out) > 0 && out[len(out)-1].Type == PartText {
			out[len(out)-1].Text += p.Text
			continue
		}
		out = append(out, p)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
