package metering

import (
	"errors"
	"testing"

	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

func testEngine(t *testing.T) *pricing.Engine {
	t.Helper()
	table, err := pricing.NewTable(
		[]pricing.ChatEntry{{Key: "gpt-5-mini", InputCents: 500, OutputCents: 1000}},
		[]pricing.ImageEntry{{Key: "nano-banana", UnitCents: 4, Default: true}},
	)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return pricing.NewEngine(table, "")
}

func TestResolveCost_Chat(t *testing.T) {
	engine := testEngine(t)
	usage := pricing.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}

	resolution, err := ResolveCost(engine, Input{Type: TypeChat, Model: "gpt-5-mini", Usage: &usage})
	if err != nil {
		t.Fatalf("ResolveCost failed: %v", err)
	}
	if resolution.Cost != 1500 {
		t.Errorf("Expected cost 1500, got %d", resolution.Cost)
	}
	if len(resolution.Breakdown) != 1 || resolution.Breakdown[0].Type != TypeChat {
		t.Errorf("Unexpected breakdown %+v", resolution.Breakdown)
	}
}

func TestResolveCost_Image(t *testing.T) {
	engine := testEngine(t)

	resolution, err := ResolveCost(engine, Input{Type: TypeImage, Images: float64(2)})
	if err != nil {
		t.Fatalf("ResolveCost failed: %v", err)
	}
	if resolution.Cost != 8 {
		t.Errorf("Expected cost 8, got %d", resolution.Cost)
	}
}

func TestResolveCost_Combined(t *testing.T) {
	engine := testEngine(t)
	usage := pricing.Usage{PromptTokens: 1_000_000}

	resolution, err := ResolveCost(engine, Input{Type: TypeCombined, Usage: &usage, Images: float64(1)})
	if err != nil {
		t.Fatalf("ResolveCost failed: %v", err)
	}
	if resolution.Cost != 504 {
		t.Errorf("Expected combined cost 504, got %d", resolution.Cost)
	}
	if len(resolution.Breakdown) != 2 {
		t.Errorf("Expected two breakdown entries, got %+v", resolution.Breakdown)
	}
}

func TestResolveCost_TypeGates(t *testing.T) {
	engine := testEngine(t)
	usage := pricing.Usage{PromptTokens: 1_000_000}

	// Image-typed input ignores usage tokens entirely.
	_, err := ResolveCost(engine, Input{Type: TypeImage, Usage: &usage})
	if !errors.Is(err, ErrInvalidCost) {
		t.Errorf("Expected ErrInvalidCost for image input without images, got %v", err)
	}

	// Chat-typed input ignores images.
	_, err = ResolveCost(engine, Input{Type: TypeChat, Images: float64(3)})
	if !errors.Is(err, ErrInvalidCost) {
		t.Errorf("Expected ErrInvalidCost for chat input without usage, got %v", err)
	}
}

func TestResolveCost_ExplicitCostFallback(t *testing.T) {
	engine := testEngine(t)

	resolution, err := ResolveCost(engine, Input{Cost: 2.3})
	if err != nil {
		t.Fatalf("ResolveCost failed: %v", err)
	}
	if resolution.Cost != 3 {
		t.Errorf("Expected explicit cost to ceil to 3, got %d", resolution.Cost)
	}
	if len(resolution.Breakdown) != 0 {
		t.Errorf("Expected empty breakdown, got %+v", resolution.Breakdown)
	}
}

func TestResolveCost_Invalid(t *testing.T) {
	engine := testEngine(t)

	for _, input := range []Input{
		{},
		{Cost: -1},
		{Usage: &pricing.Usage{}},
	} {
		if _, err := ResolveCost(engine, input); !errors.Is(err, ErrInvalidCost) {
			t.Errorf("Expected ErrInvalidCost for %+v, got %v", input, err)
		}
	}
}

func TestResolveCost_MarkupOverride(t *testing.T) {
	engine := testEngine(t)
	usage := pricing.Usage{PromptTokens: 1_000_000}

	resolution, err := ResolveCost(engine, Input{Usage: &usage, MarkupMultiplier: "2"})
	if err != nil {
		t.Fatalf("ResolveCost failed: %v", err)
	}
	if resolution.Markup != 2 {
		t.Errorf("Expected markup 2, got %v", resolution.Markup)
	}
	if resolution.Cost != 1000 {
		t.Errorf("Expected marked-up cost 1000, got %d", resolution.Cost)
	}
}

func TestCreditsToUsageUnits(t *testing.T) {
	if _, err := CreditsToUsageUnits(0); !errors.Is(err, ErrInvalidCost) {
		t.Errorf("Expected zero credits to fail")
	}
	if _, err := CreditsToUsageUnits(-5); !errors.Is(err, ErrInvalidCost) {
		t.Errorf("Expected negative credits to fail")
	}

	units, err := CreditsToUsageUnits(12)
	if err != nil {
		t.Fatalf("CreditsToUsageUnits failed: %v", err)
	}
	if units != 1200 {
		t.Errorf("Expected 1200 units, got %d", units)
	}
}

func TestDeriveImageCount(t *testing.T) {
	cases := []struct {
		in   any
		want int64
	}{
		{nil, 0},
		{float64(3), 3},
		{float64(-1), 0},
		{int(2), 2},
		{[]any{"a", "b", "c"}, 3},
		{map[string]any{"length": float64(4)}, 4},
		{map[string]any{"other": float64(4)}, 0},
		{"two", 0},
	}
	for _, c := range cases {
		if got := DeriveImageCount(c.in); got != c.want {
			t.Errorf("DeriveImageCount(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
