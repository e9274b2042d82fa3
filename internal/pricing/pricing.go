package pricing

import (
	"math"
	"strconv"
	"strings"
)

const (
	DefaultMarkup = 1.0
	MinMarkup     = 0.01
	MaxMarkup     = 1000.0
)

// Usage is the normalized token count triple attached to a chat operation.
type Usage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// HasTokens reports whether any counter is positive.
func (u Usage) HasTokens() bool {
	return u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0
}

// Engine prices chat and image operations against a Table with a configured
// markup. It is immutable after construction and safe for concurrent use.
type Engine struct {
	table     *Table
	rawMarkup string
}

func NewEngine(table *Table, rawMarkup string) *Engine {
	return &Engine{table: table, rawMarkup: rawMarkup}
}

// Markup parses the configured multiplier, clamped to [MinMarkup, MaxMarkup].
// Absent or unparsable values mean no markup.
func (e *Engine) Markup() float64 {
	return ParseMarkup(e.rawMarkup)
}

// MarkupWith prefers a caller-supplied override when positive, else falls
// back to the configured multiplier. The override is clamped the same way.
func (e *Engine) MarkupWith(override float64) float64 {
	if !math.IsNaN(override) && !math.IsInf(override, 0) && override > 0 {
		return clampMarkup(override)
	}
	return e.Markup()
}

func ParseMarkup(raw string) float64 {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultMarkup
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return DefaultMarkup
	}
	return clampMarkup(parsed)
}

func clampMarkup(value float64) float64 {
	return math.Min(math.Max(value, MinMarkup), MaxMarkup)
}

type ChatPricingDetail struct {
	ModelKey    string `json:"modelKey"`
	InputCents  int64  `json:"inputCents"`
	OutputCents int64  `json:"outputCents"`
}

type ChatTokens struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
}

type ChatBreakdown struct {
	Cost       int64             `json:"cost"`
	BaseCost   int64             `json:"baseCost"`
	Markup     float64           `json:"markup"`
	InputCost  int64             `json:"inputCost"`
	OutputCost int64             `json:"outputCost"`
	Tokens     ChatTokens        `json:"tokens"`
	Pricing    ChatPricingDetail `json:"pricing"`
}

// ChatCost prices a chat operation with the engine's configured markup.
func (e *Engine) ChatCost(model string, usage Usage) ChatBreakdown {
	return e.ChatCostWithMarkup(model, usage, e.Markup())
}

// ChatCostWithMarkup prices a chat operation with an explicit markup.
// When prompt and completion counts are both missing, the total stands in
// for the prompt so usage-only-total vendors still get billed.
func (e *Engine) ChatCostWithMarkup(model string, usage Usage, markup float64) ChatBreakdown {
	promptTokens := clampTokens(usage.PromptTokens)
	completionTokens := clampTokens(usage.CompletionTokens)
	if promptTokens == 0 && completionTokens == 0 {
		if total := clampTokens(usage.TotalTokens); total > 0 {
			promptTokens = total
		}
	}

	key, tier := e.table.ResolveChat(model)

	inputCostCents := ceilDiv(promptTokens*tier.InputCents, 1_000_000)
	outputCostCents := ceilDiv(completionTokens*tier.OutputCents, 1_000_000)
	baseCost := inputCostCents + outputCostCents

	return ChatBreakdown{
		Cost:       ceilMul(baseCost, markup),
		BaseCost:   baseCost,
		Markup:     markup,
		InputCost:  ceilMul(inputCostCents, markup),
		OutputCost: ceilMul(outputCostCents, markup),
		Tokens: ChatTokens{
			Prompt:     promptTokens,
			Completion: completionTokens,
		},
		Pricing: ChatPricingDetail{
			ModelKey:    key,
			InputCents:  tier.InputCents,
			OutputCents: tier.OutputCents,
		},
	}
}

type ImagePricingDetail struct {
	ModelKey  string `json:"modelKey"`
	UnitCents int64  `json:"unitCents"`
}

type ImageBreakdown struct {
	Cost         int64              `json:"cost"`
	BaseCost     int64              `json:"baseCost"`
	Markup       float64            `json:"markup"`
	UnitCost     int64              `json:"unitCost"`
	BaseUnitCost int64              `json:"baseUnitCost"`
	Pricing      ImagePricingDetail `json:"pricing"`
	Images       int64              `json:"images"`
}

// ImageCost prices an image operation with the engine's configured markup.
func (e *Engine) ImageCost(images int64) ImageBreakdown {
	return e.ImageCostWithMarkup(images, e.Markup())
}

func (e *Engine) ImageCostWithMarkup(images int64, markup float64) ImageBreakdown {
	count := images
	if count < 0 {
		count = 0
	}
	key, baseUnitCost := e.table.ImagePricing()
	unitCost := ceilMul(baseUnitCost, markup)

	return ImageBreakdown{
		Cost:         unitCost * count,
		BaseCost:     baseUnitCost * count,
		Markup:       markup,
		UnitCost:     unitCost,
		BaseUnitCost: baseUnitCost,
		Pricing: ImagePricingDetail{
			ModelKey:  key,
			UnitCents: baseUnitCost,
		},
		Images: count,
	}
}

// ApplyMarkup ceiling-rounds baseCost scaled by the engine's markup.
// Non-positive bases cost nothing.
func (e *Engine) ApplyMarkup(baseCost int64) int64 {
	if baseCost <= 0 {
		return 0
	}
	return ceilMul(baseCost, e.Markup())
}

func clampTokens(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

func ceilDiv(numerator, denominator int64) int64 {
	if numerator <= 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}

func ceilMul(value int64, factor float64) int64 {
	if value <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(value) * factor))
}
