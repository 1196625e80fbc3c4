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
	"io"

	"github.com/tidwall/gjson"
)

// StreamUsage holds the token counts observed in forwarded frames.
// Providers report cumulative totals, so each field keeps the largest
// value seen.
type StreamUsage struct {
	InputTokens  int
	OutputTokens int
}

// The three dialects report token counts in different frame shapes.
var (
	usageInputPaths = []string{
		"message.usage.input_tokens",
		"usage.input_tokens",
		"usage.prompt_tokens",
		"response.usage.input_tokens",
	}
	usageOutputPaths = []string{
		"message.usage.output_tokens",
		"usage.output_tokens",
		"usage.completion_tokens",
		"response.usage.output_tokens",
	}
)

func (u *StreamUsage) observe(raw []byte) {
	for _, path := range usageInputPaths {
		if v := gjson.GetBytes(raw, path); v.Exists() && int(v.Int()) > u.InputTokens {
			u.InputTokens = int(v.Int())
		}
	}
	for _, path := range usageOutputPaths {
		if v := gjson.GetBytes(raw, path); v.Exists() && int(v.Int()) > u.OutputTokens {
			u.OutputTokens = int(v.Int())
		}
	}
}

// TapUsage returns a body that forwards upstream unchanged while a
// side reader parses the frames for token usage, so pass-through
// streams stay accountable without re-encoding. The returned func
// blocks until the tapped body has been closed and reports the
// accumulated counts.
func TapUsage(upstream io.ReadCloser) (io.ReadCloser, func() StreamUsage) {
	pr, pw := io.Pipe()
	tap := &usageTap{upstream: upstream, pw: pw}

	var usage StreamUsage
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := NewReader(pr)
		for {
			ev, err := r.Next()
			if err != nil {
				break
			}
			usage.observe(ev.Raw)
		}
		// Keep draining so the forwarding side never blocks on the
		// pipe.
		_, _ = io.Copy(io.Discard, pr)
	}()

	return tap, func() StreamUsage {
		<-done
		return usage
	}
}

type usageTap struct {
	upstream io.ReadCloser
	pw       *io.PipeWriter
}

func (t *usageTap) Read(p []byte) (int, error) {
	n, err := t.upstream.Read(p)
	if n > 0 {
		_, _ = t.pw.Write(p[:n])
	}
	if err != nil {
		_ = t.pw.CloseWithError(err)
	}
	return n, err
}

func (t *usageTap) Close() error {
	err := t.upstream.Close()
	_ = t.pw.Close()
	return err
}
