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
	"bufio"
	"context"
	"io"

	"lynkr/gateway/shared/logger"
)

var streamLog = logger.New("streaming")

// PassThrough forwards an upstream SSE body to the client line by
// line, flushing after each blank-line frame boundary. Writes block on
// transport back-pressure, which pauses the upstream read. When ctx is
// cancelled (client disconnect) the upstream body is closed and the
// copy stops.
func PassThrough(ctx context.Context, w io.Writer, upstream io.ReadCloser) error {
	defer upstream.Close()

	// Closing the body unblocks a Read in progress once the client
	// goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			upstream.Close()
		case <-done:
		}
	}()

	sw := NewWriter(w)
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if _, err := io.WriteString(sw.w, line+"\n"); err != nil {
			return err
		}
		if line == "" {
			sw.flush()
		}
	}
	sw.flush()

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			streamLog.Debug("", "", "client disconnected during stream", nil)
			return ctx.Err()
		}
		return err
	}
	return nil
}
