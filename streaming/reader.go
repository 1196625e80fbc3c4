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

// Package streaming reads and writes server-sent event streams. It
// covers both pass-through forwarding of upstream frames and
// synthesis of protocol-faithful streams from a buffered response.
package streaming

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Event is one parsed SSE frame.
type Event struct {
	Type string
	Raw  json.RawMessage
	Data map[string]any
}

// Reader parses SSE events from an upstream body.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a reader over r. Frames up to 1 MiB are accepted.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next data event. Returns io.EOF at end of stream or
// on a [DONE] sentinel. Non-JSON data lines are skipped.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[5:])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil, io.EOF
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			continue
		}
		eventType, _ := parsed["type"].(string)
		return &Event{
			Type: eventType,
			Raw:  json.RawMessage(data),
			Data: parsed,
		}, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
