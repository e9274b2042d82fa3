package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// ReportStatus classifies the outcome of a best-effort metering report.
// Metering must never fail the primary operation, so callers branch on the
// status instead of an error.
type ReportStatus string

const (
	ReportSent    ReportStatus = "sent"
	ReportSkipped ReportStatus = "skipped"
	ReportFailed  ReportStatus = "failed"
)

type ReportResult struct {
	Status     ReportStatus
	MeteringID string
	CostUnits  int64
	Response   map[string]any
	Err        error
}

// Reporter forwards charges to the platform's metering endpoint. The circuit
// breaker stops hammering a billing endpoint that is already down.
type Reporter struct {
	endpoint string
	agentID  string
	agentKey string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewReporter(endpoint, agentID, agentKey string) *Reporter {
	settings := gobreaker.Settings{
		Name:        "metering",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Reporter{
		endpoint: endpoint,
		agentID:  agentID,
		agentKey: agentKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

type forwardPayload struct {
	AgentID    string `json:"agentId"`
	SessionID  string `json:"sessionId"`
	Cost       int64  `json:"cost"`
	Timestamp  string `json:"timestamp"`
	IsFinal    bool   `json:"isFinal"`
	MeteringID string `json:"meteringId"`
}

// Forward sends one charge upstream, converting credits to billing units.
// meteringID is the caller's idempotency handle; empty means a fresh UUID.
func (r *Reporter) Forward(ctx context.Context, sessionID string, costCredits int64, isFinal bool, meteringID string) (*ReportResult, error) {
	units, err := CreditsToUsageUnits(costCredits)
	if err != nil {
		return nil, err
	}
	if meteringID == "" {
		meteringID = uuid.New().String()
	}

	payload := forwardPayload{
		AgentID:    r.agentID,
		SessionID:  sessionID,
		Cost:       units,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		IsFinal:    isFinal,
		MeteringID: meteringID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metering payload: %w", err)
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	response, _ := result.(map[string]any)
	if id, ok := response["meteringId"].(string); ok && id != "" {
		meteringID = id
	}
	return &ReportResult{
		Status:     ReportSent,
		MeteringID: meteringID,
		CostUnits:  units,
		Response:   response,
	}, nil
}

func (r *Reporter) post(ctx context.Context, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.agentKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metering request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(raw) > 0 {
			return nil, fmt.Errorf("metering API failed with %d: %s", resp.StatusCode, raw)
		}
		return nil, fmt.Errorf("metering API failed with %d", resp.StatusCode)
	}

	var response map[string]any
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, nil // non-JSON success body, treat as empty
	}
	return response, nil
}

// ShouldReport applies the reporting gate: a report goes upstream only for
// operations with positive usage, images, or an explicit positive cost, and
// only when the session can actually be billed (canonical UUID session ID
// plus a token). Everything else is skipped, not failed.
func ShouldReport(sessionID, sessionToken string, input Input) bool {
	hasUsage := input.Usage != nil && input.Usage.HasTokens()
	hasImages := DeriveImageCount(input.Images) > 0
	if !hasUsage && !hasImages {
		if math.IsNaN(input.Cost) || math.IsInf(input.Cost, 0) || input.Cost <= 0 {
			return false
		}
	}
	return IsCanonicalUUID(sessionID) && sessionToken != ""
}

// IsCanonicalUUID accepts only the hyphenated 36-character form; the billing
// endpoint rejects every other spelling.
func IsCanonicalUUID(value string) bool {
	if len(value) != 36 || value[8] != '-' || value[13] != '-' || value[18] != '-' || value[23] != '-' {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}
