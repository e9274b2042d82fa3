package metering

import (
	"encoding/json"
	"testing"
)

func decodePayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("bad test payload: %v", err)
	}
	return payload
}

func TestNormalizeUsage_KeyVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want [3]int64 // prompt, completion, total
	}{
		{
			name: "openai snake_case",
			raw:  `{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}`,
			want: [3]int64{10, 20, 30},
		},
		{
			name: "camelCase",
			raw:  `{"promptTokens": 5, "completionTokens": 7}`,
			want: [3]int64{5, 7, 12},
		},
		{
			name: "gemini counts",
			raw:  `{"prompt_token_count": 3, "candidates_token_count": 4}`,
			want: [3]int64{3, 4, 7},
		},
		{
			name: "anthropic input/output",
			raw:  `{"input_tokens": 8, "output_tokens": 9}`,
			want: [3]int64{8, 9, 17},
		},
		{
			name: "explicit zero total stays zero",
			raw:  `{"prompt_tokens": 10, "total_tokens": 0}`,
			want: [3]int64{10, 0, 0},
		},
	}

	for _, c := range cases {
		usage := NormalizeUsage(decodePayload(t, c.raw))
		if usage.PromptTokens != c.want[0] || usage.CompletionTokens != c.want[1] || usage.TotalTokens != c.want[2] {
			t.Errorf("%s: got %+v, want %v", c.name, usage, c.want)
		}
	}
}

func TestExtractUsageAndCost_NestedUsage(t *testing.T) {
	payload := decodePayload(t, `{
		"result": {
			"usageMetadata": {"promptTokenCount": 11, "candidatesTokenCount": 13}
		}
	}`)

	usage, cost := ExtractUsageAndCost(payload)
	if usage.PromptTokens != 11 || usage.CompletionTokens != 13 {
		t.Errorf("Unexpected usage %+v", usage)
	}
	if cost != 0 {
		t.Errorf("Expected no vendor cost, got %v", cost)
	}
}

func TestExtractUsageAndCost_TaskInfoFallback(t *testing.T) {
	payload := decodePayload(t, `{
		"task_info": {"tokens": 42, "cost": 0.5}
	}`)

	usage, cost := ExtractUsageAndCost(payload)
	if usage.TotalTokens != 42 {
		t.Errorf("Expected tokens fallback 42, got %+v", usage)
	}
	if cost != 0.5 {
		t.Errorf("Expected task_info cost 0.5, got %v", cost)
	}
}

func TestExtractUsageAndCost_BillingCost(t *testing.T) {
	payload := decodePayload(t, `{
		"usage": {"prompt_tokens": 1},
		"billing": {"total_cost": 1.25}
	}`)

	_, cost := ExtractUsageAndCost(payload)
	if cost != 1.25 {
		t.Errorf("Expected billing.total_cost, got %v", cost)
	}
}

func TestExtractUsageAndCost_SkipsArrays(t *testing.T) {
	payload := decodePayload(t, `{
		"choices": [{"usage": {"prompt_tokens": 99}}]
	}`)

	usage, _ := ExtractUsageAndCost(payload)
	if usage.HasTokens() {
		t.Errorf("Expected usage inside arrays to be ignored, got %+v", usage)
	}
}

func TestFindUsageSource_Shallowest(t *testing.T) {
	payload := decodePayload(t, `{
		"outer": {"inner": {"usage": {"prompt_tokens": 2}}},
		"usage": {"prompt_tokens": 1}
	}`)

	source := FindUsageSource(payload, primaryUsageKeys)
	if source == nil {
		t.Fatal("Expected a usage source")
	}
	if tokens, _ := source["prompt_tokens"].(float64); tokens != 1 {
		t.Errorf("Expected the top-level usage object to win, got %v", source)
	}
}
