package metering

import (
	"context"
	"log"

	"github.com/vnmchuo/agent-gateway/internal/pricing"
)

// Service is the metering front door: resolve the authoritative cost,
// forward it upstream once, and journal the charge. The ledger write is
// asynchronous and best-effort; billing audit must never slow the response.
type Service struct {
	engine   *pricing.Engine
	reporter *Reporter
	ledger   Ledger // optional
	agentID  string
}

func NewService(engine *pricing.Engine, reporter *Reporter, ledger Ledger, agentID string) *Service {
	return &Service{engine: engine, reporter: reporter, ledger: ledger, agentID: agentID}
}

func (s *Service) Engine() *pricing.Engine {
	return s.engine
}

type ChargeOutcome struct {
	MeteringID string
	FinalCost  int64
	CostUnits  int64
	Breakdown  []BreakdownEntry
	Markup     float64
	Response   map[string]any
}

// Charge resolves and forwards one billable operation. meteringID is the
// caller's idempotency handle for retries; empty generates a fresh one.
func (s *Service) Charge(ctx context.Context, sessionID string, input Input, isFinal bool, meteringID string) (*ChargeOutcome, error) {
	resolution, err := ResolveCost(s.engine, input)
	if err != nil {
		return nil, err
	}

	result, err := s.reporter.Forward(ctx, sessionID, resolution.Cost, isFinal, meteringID)
	if err != nil {
		return nil, err
	}

	s.journal(sessionID, input, resolution, result, isFinal)

	return &ChargeOutcome{
		MeteringID: result.MeteringID,
		FinalCost:  resolution.Cost,
		CostUnits:  result.CostUnits,
		Breakdown:  resolution.Breakdown,
		Markup:     resolution.Markup,
		Response:   result.Response,
	}, nil
}

// BestEffortResult is what an AI operation embeds in its response: the
// metering outcome can be sent, skipped, or failed, but never an error that
// aborts the operation itself.
type BestEffortResult struct {
	Success    bool             `json:"success"`
	Skipped    bool             `json:"skipped,omitempty"`
	Error      string           `json:"error,omitempty"`
	MeteringID string           `json:"meteringId,omitempty"`
	FinalCost  int64            `json:"finalCost,omitempty"`
	Breakdown  []BreakdownEntry `json:"breakdown,omitempty"`
	Markup     float64          `json:"markup,omitempty"`
}

// ReportBestEffort applies the reporting gate and charges when it passes.
func (s *Service) ReportBestEffort(ctx context.Context, sessionID, sessionToken string, input Input) BestEffortResult {
	if !ShouldReport(sessionID, sessionToken, input) {
		return BestEffortResult{Success: false, Skipped: true}
	}

	outcome, err := s.Charge(ctx, sessionID, input, false, "")
	if err != nil {
		log.Printf("metering: report failed for session %s: %v", sessionID, err)
		return BestEffortResult{Success: false, Error: err.Error()}
	}
	return BestEffortResult{
		Success:    true,
		MeteringID: outcome.MeteringID,
		FinalCost:  outcome.FinalCost,
		Breakdown:  outcome.Breakdown,
		Markup:     outcome.Markup,
	}
}

func (s *Service) journal(sessionID string, input Input, resolution *Resolution, result *ReportResult, isFinal bool) {
	if s.ledger == nil {
		return
	}

	charge := &Charge{
		SessionID:   sessionID,
		AgentID:     s.agentID,
		MeteringID:  result.MeteringID,
		Type:        string(resolvedType(input)),
		Model:       input.Model,
		Images:      DeriveImageCount(input.Images),
		CostCredits: resolution.Cost,
		CostUnits:   result.CostUnits,
		IsFinal:     isFinal,
	}
	if input.Usage != nil {
		charge.PromptTokens = input.Usage.PromptTokens
		charge.CompletionTokens = input.Usage.CompletionTokens
	}

	go func() {
		if err := s.ledger.RecordCharge(context.Background(), charge); err != nil {
			log.Printf("metering: failed to journal charge %s: %v", charge.MeteringID, err)
		}
	}()
}

func resolvedType(input Input) Type {
	if input.Type != "" {
		return input.Type
	}
	hasUsage := input.Usage != nil && input.Usage.HasTokens()
	hasImages := DeriveImageCount(input.Images) > 0
	switch {
	case hasUsage && hasImages:
		return TypeCombined
	case hasImages:
		return TypeImage
	case hasUsage:
		return TypeChat
	default:
		return ""
	}
}
