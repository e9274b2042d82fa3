package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresLedger struct {
	db DB
}

func NewPostgresLedger(db DB) Ledger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) RecordCharge(ctx context.Context, charge *Charge) error {
	query := `
		INSERT INTO metering_charges (session_id, agent_id, metering_id, charge_type, model, prompt_tokens, completion_tokens, images, cost_credits, cost_units, is_final)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := l.db.QueryRow(ctx, query,
		charge.SessionID, charge.AgentID, charge.MeteringID, charge.Type, charge.Model,
		charge.PromptTokens, charge.CompletionTokens, charge.Images,
		charge.CostCredits, charge.CostUnits, charge.IsFinal,
	).Scan(&charge.ID, &charge.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record charge: %w", err)
	}

	return nil
}

func (l *PostgresLedger) GetChargesBySession(ctx context.Context, sessionID string, from, to time.Time) ([]*Charge, error) {
	query := `
		SELECT id, session_id, agent_id, metering_id, charge_type, model, prompt_tokens, completion_tokens, images, cost_credits, cost_units, is_final, created_at
		FROM metering_charges
		WHERE session_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := l.db.Query(ctx, query, sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []*Charge
	for rows.Next() {
		var c Charge
		err := rows.Scan(
			&c.ID, &c.SessionID, &c.AgentID, &c.MeteringID, &c.Type, &c.Model,
			&c.PromptTokens, &c.CompletionTokens, &c.Images,
			&c.CostCredits, &c.CostUnits, &c.IsFinal, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		charges = append(charges, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating charges: %w", err)
	}

	return charges, nil
}

func (l *PostgresLedger) GetTotalCostBySession(ctx context.Context, sessionID string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(cost_credits), 0)
		FROM metering_charges
		WHERE session_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	err := l.db.QueryRow(ctx, query, sessionID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
