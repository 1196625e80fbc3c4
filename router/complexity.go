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

package router

import (
	"strings"

	"lynkr/gateway/protocol"
)

// CloudThreshold is the complexity score at which the advisory
// recommendation flips from local to cloud.
const CloudThreshold = 50

// Score is the advisory complexity assessment of one request. It is
// reported in response headers for observability and never overrides
// the configured routing.
type Score struct {
	Value          int    `json:"value"` // 0-100
	Recommendation string `json:"recommendation"`
}

// codingKeywords mark requests likely to need a stronger model.
var codingKeywords = []string{
	"refactor", "debug", "implement", "compile", "stack trace",
	"unit test", "regression", "benchmark", "optimize", "algorithm",
	"pull request", "code review", "segfault", "race condition",
}

// ScoreRequest derives a bounded 0-100 complexity score from message
// length, tool count, and coding-task keywords.
func ScoreRequest(req *protocol.Request) Score {
	var chars int
	var text strings.Builder
	for _, s := range req.System {
		chars += len(s)
		text.WriteString(strings.ToLower(s))
		text.WriteByte(' ')
	}
	for _, m := range req.Messages {
		t := m.Text()
		chars += len(t)
		text.WriteString(strings.ToLower(t))
		text.WriteByte(' ')
	}

	// Length contributes up to 40 points, saturating at 4000 chars.
	lengthScore := chars / 100
	if lengthScore > 40 {
		lengthScore = 40
	}

	// Tools contribute up to 30 points.
	toolScore := len(req.Tools) * 10
	if toolScore > 30 {
		toolScore = 30
	}

	keywordScore := 0
	haystack := text.String()
	for _, kw := range codingKeywords {
		if strings.Contains(haystack, kw) {
			keywordScore = 30
			break
		}
	}

	value := lengthScore + toolScore + keywordScore
	if value > 100 {
		value = 100
	}

	recommendation := "local"
	if value >= CloudThreshold {
		recommendation = "cloud"
	}
	return Score{Value: value, Recommendation: recommendation}
}
