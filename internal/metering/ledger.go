package metering

import (
	"context"
	"time"
)

// Charge is one journaled metering report. The ledger is the local audit
// trail for charges forwarded upstream; meteringId ties a row back to the
// upstream billing record.
type Charge struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	AgentID          string    `json:"agentId"`
	MeteringID       string    `json:"meteringId"`
	Type             string    `json:"type,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	Images           int64     `json:"images"`
	CostCredits      int64     `json:"costCredits"`
	CostUnits        int64     `json:"costUnits"`
	IsFinal          bool      `json:"isFinal"`
	CreatedAt        time.Time `json:"createdAt"`
}

type Ledger interface {
	RecordCharge(ctx context.Context, charge *Charge) error
	GetChargesBySession(ctx context.Context, sessionID string, from, to time.Time) ([]*Charge, error)
	GetTotalCostBySession(ctx context.Context, sessionID string, from, to time.Time) (int64, error)
}
