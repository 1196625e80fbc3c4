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

package limits

import (
	"fmt"
	"strings"
)

// Model pricing in cents per 1K tokens, stored as integers to avoid
// floating point drift in budget accounting.

// ModelPricing contains pricing for a specific model.
type ModelPricing struct {
	PromptCostPer1K     int // cents per 1K prompt tokens
	CompletionCostPer1K int // cents per 1K completion tokens
}

var modelPricing = map[string]ModelPricing{
	// Anthropic
	"claude-opus-4":     {1500, 7500},
	"claude-sonnet-4":   {300, 1500},
	"claude-haiku-3.5":  {80, 400},
	"claude-3-5-sonnet": {300, 1500},
	"claude-3-haiku":    {25, 125},

	// OpenAI
	"gpt-4o":        {250, 1000},
	"gpt-4o-mini":   {15, 60},
	"gpt-4-turbo":   {1000, 3000},
	"gpt-3.5-turbo": {50, 150},

	// Gemini
	"gemini-2.0-flash": {10, 40},
	"gemini-1.5-pro":   {125, 500},

	// Local models are free.
	"local": {0, 0},

	// Conservative fallback for unknown models.
	"default": {1000, 3000},
}

// CalculateCostCents returns the cost in cents for one upstream call.
// Unknown models fall back to conservative default pricing; models
// served locally cost nothing.
func CalculateCostCents(model string, promptTokens, completionTokens int) int {
	pricing, ok := lookupPricing(model)
	if !ok {
		pricing = modelPricing["default"]
	}
	promptCost := (promptTokens * pricing.PromptCostPer1K) / 1000
	completionCost := (completionTokens * pricing.CompletionCostPer1K) / 1000
	return promptCost + completionCost
}

// lookupPricing matches the exact model id first, then the longest
// known prefix so dated snapshots like claude-sonnet-4-20250514
// resolve to their base price.
func lookupPricing(model string) (ModelPricing, bool) {
	if p, ok := modelPricing[model]; ok {
		return p, true
	}
	var best string
	for key := range modelPricing {
		if key != "default" && strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return modelPricing[best], true
	}
	return ModelPricing{}, false
}

// FormatCostDollars converts cents to a dollar string, e.g. 135 to
// "$1.35".
func FormatCostDollars(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
