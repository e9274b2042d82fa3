package metering

import (
	"math"

	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

// Key names under which upstream vendors report usage objects, in lookup
// priority order. task_info is only consulted when none of the primary names
// match anywhere in the payload.
var (
	primaryUsageKeys   = []string{"usage", "usageMetadata", "usage_meta", "token_usage", "usageInfo"}
	secondaryUsageKeys = []string{"task_info"}
)

var promptTokenKeys = []string{
	"prompt_tokens", "promptTokens", "prompt_token_count", "promptTokenCount",
	"input_tokens", "inputTokens", "input_token_count", "inputTokenCount",
}

var completionTokenKeys = []string{
	"completion_tokens", "completionTokens", "completion_token_count", "completionTokenCount",
	"candidates_token_count", "candidatesTokenCount",
	"output_tokens", "outputTokens", "output_token_count", "outputTokenCount",
}

var totalTokenKeys = []string{
	"total_tokens", "totalTokens", "total_token_count", "totalTokenCount",
}

// NormalizeUsage maps the snake/camel/vendor-specific token field variants of
// a raw usage object onto the canonical triple. Total defaults to
// prompt+completion when absent.
func NormalizeUsage(raw map[string]any) pricing.Usage {
	if raw == nil {
		return pricing.Usage{}
	}

	usage := pricing.Usage{
		PromptTokens:     firstTokenValue(raw, promptTokenKeys),
		CompletionTokens: firstTokenValue(raw, completionTokenKeys),
	}
	usage.TotalTokens = firstTokenValue(raw, totalTokenKeys)
	if usage.TotalTokens == 0 && !hasAnyKey(raw, totalTokenKeys) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// ExtractUsageAndCost pulls the normalized usage and any vendor-reported cost
// out of an arbitrary upstream response payload.
func ExtractUsageAndCost(payload map[string]any) (pricing.Usage, float64) {
	usageSource := FindUsageSource(payload, primaryUsageKeys)
	if usageSource == nil {
		usageSource = FindUsageSource(payload, secondaryUsageKeys)
	}

	usage := NormalizeUsage(usageSource)
	if usage.TotalTokens == 0 && usageSource != nil {
		if tokens := firstTokenValue(usageSource, []string{"total_tokens", "totalTokens", "tokens"}); tokens > 0 {
			usage.TotalTokens = tokens
		}
	}

	costCandidates := []any{
		payload["cost"],
		payload["total_cost"],
		payload["totalCost"],
		nestedValue(payload, "billing", "total_cost"),
		nestedValue(payload, "billing", "totalCost"),
		nestedValue(payload, "task_info", "cost"),
	}
	if usageSource != nil {
		costCandidates = append(costCandidates, usageSource["cost"])
	}

	for _, candidate := range costCandidates {
		if value, ok := candidate.(float64); ok && !math.IsNaN(value) && !math.IsInf(value, 0) && value >= 0 {
			return usage, value
		}
	}
	return usage, 0
}

// FindUsageSource walks payload breadth-first, skipping arrays, and returns
// the first nested object found under any of the given key names.
func FindUsageSource(payload map[string]any, keys []string) map[string]any {
	if payload == nil {
		return nil
	}

	queue := []map[string]any{payload}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, key := range keys {
			if nested, ok := current[key].(map[string]any); ok {
				return nested
			}
		}
		for _, value := range current {
			if nested, ok := value.(map[string]any); ok {
				queue = append(queue, nested)
			}
		}
	}
	return nil
}

func firstTokenValue(raw map[string]any, keys []string) int64 {
	for _, key := range keys {
		if value, ok := raw[key]; ok {
			if tokens := asTokens(value); tokens > 0 {
				return tokens
			}
		}
	}
	return 0
}

func hasAnyKey(raw map[string]any, keys []string) bool {
	for _, key := range keys {
		if _, ok := raw[key]; ok {
			return true
		}
	}
	return false
}

func asTokens(value any) int64 {
	number, ok := value.(float64)
	if !ok || math.IsNaN(number) || math.IsInf(number, 0) || number <= 0 {
		return 0
	}
	return int64(math.Round(number))
}

func nestedValue(payload map[string]any, outer, inner string) any {
	nested, ok := payload[outer].(map[string]any)
	if !ok {
		return nil
	}
	return nested[inner]
}
