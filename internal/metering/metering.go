// Package metering normalizes heterogeneous upstream usage reports into a
// single authoritative charge and forwards it to the platform's billing
// endpoint at most once per operation.
package metering

import (
	"errors"
	"math"
	"strconv"

	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

// UnitsPerCredit converts internal currency-minor-unit costs ("credits")
// into the platform's billing units.
const UnitsPerCredit = 100

var ErrInvalidCost = errors.New("invalid cost or insufficient pricing data")

type Type string

const (
	TypeChat     Type = "chat"
	TypeImage    Type = "image"
	TypeCombined Type = "combined"
)

// Input is the caller-declared description of a billable operation. Images
// may arrive as a count, an array, or anything with a numeric "length" field,
// depending on which upstream shape produced it.
type Input struct {
	Type             Type           `json:"type,omitempty"`
	Model            string         `json:"model,omitempty"`
	Usage            *pricing.Usage `json:"usage,omitempty"`
	Images           any            `json:"images,omitempty"`
	Cost             float64        `json:"cost,omitempty"`
	MarkupMultiplier any            `json:"markupMultiplier,omitempty"`
}

type BreakdownEntry struct {
	Type   Type `json:"type"`
	Detail any  `json:"detail"`
}

type Resolution struct {
	Cost      int64
	Breakdown []BreakdownEntry
	Markup    float64
}

// ResolveCost derives the authoritative cost for an operation: a chat entry
// when usage tokens are present and the declared type allows it, an image
// entry when an image count is present and allowed, summed. A zero sum falls
// back to the explicitly supplied cost, ceiling-rounded. A final cost that is
// not positive is ErrInvalidCost.
func ResolveCost(engine *pricing.Engine, input Input) (*Resolution, error) {
	markup := engine.MarkupWith(coerceMarkup(input.MarkupMultiplier))

	var breakdown []BreakdownEntry
	var total int64

	if allowsChat(input.Type) && input.Usage != nil && input.Usage.HasTokens() {
		detail := engine.ChatCostWithMarkup(input.Model, *input.Usage, markup)
		if detail.Cost > 0 {
			breakdown = append(breakdown, BreakdownEntry{Type: TypeChat, Detail: detail})
			total += detail.Cost
		}
	}

	if allowsImage(input.Type) {
		if count := DeriveImageCount(input.Images); count > 0 {
			detail := engine.ImageCostWithMarkup(count, markup)
			if detail.Cost > 0 {
				breakdown = append(breakdown, BreakdownEntry{Type: TypeImage, Detail: detail})
				total += detail.Cost
			}
		}
	}

	cost := total
	if cost == 0 && !math.IsNaN(input.Cost) && !math.IsInf(input.Cost, 0) && input.Cost > 0 {
		cost = int64(math.Ceil(input.Cost))
	}
	if cost <= 0 {
		return nil, ErrInvalidCost
	}

	return &Resolution{Cost: cost, Breakdown: breakdown, Markup: markup}, nil
}

// CreditsToUsageUnits converts a resolved credit cost into upstream billing
// units, clamped to a minimum of 1 so a genuinely billable event never bills
// zero.
func CreditsToUsageUnits(credits int64) (int64, error) {
	if credits <= 0 {
		return 0, ErrInvalidCost
	}
	units := credits * UnitsPerCredit
	if units < 1 {
		return 1, nil
	}
	return units, nil
}

// DeriveImageCount interprets the polymorphic images field.
func DeriveImageCount(source any) int64 {
	switch v := source.(type) {
	case nil:
		return 0
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return 0
		}
		return int64(math.Round(v))
	case int:
		if v <= 0 {
			return 0
		}
		return int64(v)
	case int64:
		if v <= 0 {
			return 0
		}
		return v
	case []any:
		return int64(len(v))
	case map[string]any:
		if length, ok := v["length"].(float64); ok && length > 0 && !math.IsInf(length, 0) {
			return int64(math.Round(length))
		}
		return 0
	default:
		return 0
	}
}

func allowsChat(t Type) bool {
	return t == "" || t == TypeCombined || t == TypeChat
}

func allowsImage(t Type) bool {
	return t == "" || t == TypeCombined || t == TypeImage
}

func coerceMarkup(raw any) float64 {
	switch v := raw.(type) {
	case float64:
		return v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
