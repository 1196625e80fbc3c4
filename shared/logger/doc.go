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

/*
Package logger provides structured JSON logging for Lynkr components.

Each log entry is a single JSON line on stdout carrying the timestamp
(RFC3339Nano), level, component, instance, user id, request id, message
and optional custom fields, so logs can be shipped unmodified to any
aggregation system.

Create a logger for your component:

	log := logger.New("gateway")

Log messages with user and request context:

	log.Info("user-123", "req-456", "request admitted", map[string]interface{}{
	    "provider": "anthropic-primary",
	})

The minimum level defaults to LYNKR_LOG_LEVEL and may be changed at
runtime via SetLevel; config hot-reload uses this to adjust verbosity
without a restart. Logger instances are safe for concurrent use.
*/
package logger
