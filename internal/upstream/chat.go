package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

var defaultChatModels = map[string]string{
	"openai":    "gpt-5-mini",
	"google":    "gemini-2.5-flash",
	"anthropic": "claude-sonnet-4-0",
}

// Models the platform serves on its vendor-neutral chat endpoint rather
// than the Google-specific one.
var googleDirectChatModels = map[string]bool{
	"gemini-2.5-flash-image-preview": true,
	"gemini-2.5-flash":               true,
}

type ChatResult struct {
	Data    map[string]any
	Usage   pricing.Usage
	Cost    int64
	Pricing pricing.ChatBreakdown
	Model   string
}

// RunChat forwards a chat payload to the vendor-appropriate platform
// endpoint, then prices the reported usage. The vendor's own cost figure, if
// any, is only a fallback when the pricing table yields nothing.
func RunChat(ctx context.Context, client *Client, engine *pricing.Engine, payload map[string]any) (*ChatResult, error) {
	vendor := "openai"
	if raw, ok := payload["vendor"].(string); ok {
		switch strings.ToLower(raw) {
		case "google":
			vendor = "google"
		case "anthropic":
			vendor = "anthropic"
		}
	}

	model := defaultChatModels[vendor]
	if raw, ok := payload["model"].(string); ok && raw != "" {
		model = raw
	}

	messages, _ := payload["messages"].([]any)
	prompt, _ := payload["prompt"].(string)
	if messages == nil && prompt == "" {
		return nil, errors.New("chat invocation requires messages or prompt text")
	}

	var endpoint string
	var requestBody map[string]any

	if vendor == "anthropic" {
		if messages == nil {
			messages = []any{map[string]any{"role": "user", "content": prompt}}
		}
		requestBody = map[string]any{
			"model":             model,
			"messages":          anthropicMessages(messages),
			"max_output_tokens": maxOutputTokens(payload),
		}
		endpoint = "/vendors/anthropic/v1/messages"
	} else {
		requestBody = map[string]any{}
		for key, value := range payload {
			if key != "vendor" {
				requestBody[key] = value
			}
		}
		requestBody["model"] = model
		if messages == nil {
			requestBody["messages"] = []any{map[string]any{"role": "user", "content": prompt}}
		}

		endpoint = "/vendors/openai/v1/chat/completions"
		if vendor == "google" {
			if googleDirectChatModels[model] {
				endpoint = "/v1/chat/completions"
			} else {
				endpoint = "/vendors/google/v1/chat/completions"
			}
		}
	}

	data, err := client.Post(ctx, endpoint, requestBody)
	if err != nil {
		return nil, err
	}

	usage, vendorCost := metering.ExtractUsageAndCost(data)
	breakdown := engine.ChatCost(model, usage)
	cost := resolveCostWithMarkup(engine, breakdown.Cost, vendorCost)

	return &ChatResult{
		Data:    data,
		Usage:   usage,
		Cost:    cost,
		Pricing: breakdown,
		Model:   model,
	}, nil
}

// resolveCostWithMarkup prefers the table-derived cost; when the table
// yields zero, the vendor's dollar figure is converted to cents and marked
// up instead.
func resolveCostWithMarkup(engine *pricing.Engine, preferredCost int64, fallbackCost float64) int64 {
	if preferredCost > 0 {
		return preferredCost
	}
	if math.IsNaN(fallbackCost) || math.IsInf(fallbackCost, 0) || fallbackCost <= 0 {
		return 0
	}
	return engine.ApplyMarkup(int64(math.Ceil(fallbackCost * 100)))
}

func maxOutputTokens(payload map[string]any) int64 {
	for _, key := range []string{"max_output_tokens", "maxOutputTokens"} {
		if value, ok := payload[key].(float64); ok && value > 0 {
			return int64(value)
		}
	}
	return 1024
}

func anthropicMessages(messages []any) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, raw := range messages {
		message, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role := "user"
		if r, ok := message["role"].(string); ok && r == "assistant" {
			role = "assistant"
		}
		out = append(out, map[string]any{
			"role":    role,
			"content": anthropicContentParts(message["content"]),
		})
	}
	return out
}

func anthropicContentParts(content any) []map[string]any {
	switch v := content.(type) {
	case []any:
		parts := make([]map[string]any, 0, len(v))
		for _, part := range v {
			switch p := part.(type) {
			case string:
				parts = append(parts, map[string]any{"type": "text", "text": p})
			case map[string]any:
				if _, ok := p["type"]; ok {
					parts = append(parts, p)
					continue
				}
				parts = append(parts, map[string]any{"type": "text", "text": jsonString(p)})
			default:
				parts = append(parts, map[string]any{"type": "text", "text": jsonString(p)})
			}
		}
		return parts
	case string:
		return []map[string]any{{"type": "text", "text": v}}
	default:
		return []map[string]any{{"type": "text", "text": jsonString(v)}}
	}
}

func jsonString(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(raw)
}
