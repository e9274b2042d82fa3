package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/kv"
	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/pricing"
	"github.com/vnmchuo/agent-gateway/internal/session"
)

const testSessionUUID = "123e4567-e89b-42d3-a456-426614174000"

type mockLedger struct {
	recordFunc     func(ctx context.Context, charge *metering.Charge) error
	chargesFunc    func(ctx context.Context, sessionID string, from, to time.Time) ([]*metering.Charge, error)
	totalCostFunc  func(ctx context.Context, sessionID string, from, to time.Time) (int64, error)
}

func (m *mockLedger) RecordCharge(ctx context.Context, charge *metering.Charge) error {
	if m.recordFunc != nil {
		return m.recordFunc(ctx, charge)
	}
	return nil
}

func (m *mockLedger) GetChargesBySession(ctx context.Context, sessionID string, from, to time.Time) ([]*metering.Charge, error) {
	if m.chargesFunc != nil {
		return m.chargesFunc(ctx, sessionID, from, to)
	}
	return nil, nil
}

func (m *mockLedger) GetTotalCostBySession(ctx context.Context, sessionID string, from, to time.Time) (int64, error) {
	if m.totalCostFunc != nil {
		return m.totalCostFunc(ctx, sessionID, from, to)
	}
	return 0, nil
}

func testPricingEngine(t *testing.T) *pricing.Engine {
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

func setupMeteringTest(t *testing.T, upstreamURL string, ledger metering.Ledger) (*MeteringHandler, *session.Store) {
	t.Helper()
	mem := kv.NewMemoryStore()
	store := session.NewStore(mem, session.Options{})
	err := store.Persist(context.Background(), session.Session{
		SessionID: testSessionUUID,
		UserID:    "user-1",
		AgentID:   "agent-1",
		Origin:    "https://app.mulerun.com",
	}, session.PersistOptions{Token: "tok"})
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	reporter := metering.NewReporter(upstreamURL, "agent-1", testAgentKey)
	service := metering.NewService(testPricingEngine(t), reporter, ledger, "agent-1")
	handler := NewMeteringHandler(store, service, ledger, upstreamURL, testAgentKey, "internal-secret")
	return handler, store
}

func postMetering(handler *MeteringHandler, body map[string]any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/metering", bytes.NewReader(raw))
	req.Header.Set("Origin", "https://app.mulerun.com")
	w := httptest.NewRecorder()
	handler.HandlePost(w, req)
	return w
}

func TestHandlePost_ChatCharge(t *testing.T) {
	var forwarded map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&forwarded)
		json.NewEncoder(w).Encode(map[string]any{"meteringId": "m-1"})
	}))
	defer server.Close()

	handler, _ := setupMeteringTest(t, server.URL, nil)
	w := postMetering(handler, map[string]any{
		"sessionId":    testSessionUUID,
		"sessionToken": "tok",
		"type":         "chat",
		"model":        "gpt-5-mini",
		"usage":        map[string]any{"promptTokens": 1_000_000},
		"isFinal":      true,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["success"] != true || resp["meteringId"] != "m-1" {
		t.Errorf("Unexpected response %v", resp)
	}
	if resp["finalCost"].(float64) != 500 {
		t.Errorf("Expected finalCost 500, got %v", resp["finalCost"])
	}
	// Single-entry breakdown is flattened into the pricing field.
	if _, ok := resp["pricing"].(map[string]any); !ok {
		t.Errorf("Expected flattened pricing object, got %v", resp["pricing"])
	}

	if forwarded["cost"].(float64) != 50000 {
		t.Errorf("Expected 50000 units on the wire, got %v", forwarded["cost"])
	}
	if forwarded["isFinal"] != true {
		t.Errorf("Expected isFinal to be forwarded")
	}
}

func TestHandlePost_InvalidCost(t *testing.T) {
	handler, _ := setupMeteringTest(t, "http://unused.invalid", nil)
	w := postMetering(handler, map[string]any{
		"sessionId":    testSessionUUID,
		"sessionToken": "tok",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unpriceable input, got %d", w.Code)
	}
}

func TestHandlePost_MissingSession(t *testing.T) {
	handler, _ := setupMeteringTest(t, "http://unused.invalid", nil)

	w := postMetering(handler, map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without sessionId, got %d", w.Code)
	}

	w = postMetering(handler, map[string]any{"sessionId": testSessionUUID})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}

func TestHandlePost_WrongToken(t *testing.T) {
	handler, _ := setupMeteringTest(t, "http://unused.invalid", nil)
	w := postMetering(handler, map[string]any{
		"sessionId":    testSessionUUID,
		"sessionToken": "wrong",
		"cost":         1,
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a bad token, got %d", w.Code)
	}
}

func TestHandlePost_InternalFingerprintGate(t *testing.T) {
	handler, _ := setupMeteringTest(t, "http://unused.invalid", nil)

	raw, _ := json.Marshal(map[string]any{
		"sessionId":    testSessionUUID,
		"sessionToken": "tok",
		"cost":         1,
		"fingerprint":  "fp-captured-earlier",
	})
	req := httptest.NewRequest("POST", "/api/metering", bytes.NewReader(raw))
	req.Header.Set("Origin", "https://app.mulerun.com")
	w := httptest.NewRecorder()
	handler.HandlePost(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without the internal header, got %d", w.Code)
	}
}

func TestHandleGet_ProxiesUpstream(t *testing.T) {
	var requestedPath, auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"records": []any{}})
	}))
	defer server.Close()

	handler, _ := setupMeteringTest(t, server.URL, nil)
	req := httptest.NewRequest("GET", "/api/metering?sessionId="+testSessionUUID+"&sessionToken=tok", nil)
	req.Header.Set("Origin", "https://app.mulerun.com")
	w := httptest.NewRecorder()
	handler.HandleGet(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if requestedPath != "/"+testSessionUUID {
		t.Errorf("Expected per-session path, got %q", requestedPath)
	}
	if auth != "Bearer "+testAgentKey {
		t.Errorf("Expected agent bearer auth, got %q", auth)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["success"] != true {
		t.Errorf("Unexpected response %v", resp)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	ledger := &mockLedger{
		chargesFunc: func(ctx context.Context, sessionID string, from, to time.Time) ([]*metering.Charge, error) {
			return []*metering.Charge{
				{SessionID: sessionID, CostCredits: 3},
				{SessionID: sessionID, CostCredits: 4},
			}, nil
		},
		totalCostFunc: func(ctx context.Context, sessionID string, from, to time.Time) (int64, error) {
			return 7, nil
		},
	}
	handler, _ := setupMeteringTest(t, "http://unused.invalid", ledger)

	req := httptest.NewRequest("GET", "/api/usage?sessionId="+testSessionUUID+"&sessionToken=tok", nil)
	req.Header.Set("Origin", "https://app.mulerun.com")
	w := httptest.NewRecorder()
	handler.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["totalRequests"].(float64) != 2 {
		t.Errorf("Expected totalRequests 2, got %v", resp["totalRequests"])
	}
	if resp["totalCost"].(float64) != 7 {
		t.Errorf("Expected totalCost 7, got %v", resp["totalCost"])
	}
	charges := resp["charges"].([]any)
	if len(charges) != 2 {
		t.Errorf("Expected 2 charges, got %d", len(charges))
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	handler, _ := setupMeteringTest(t, "http://unused.invalid", &mockLedger{})

	req := httptest.NewRequest("GET", "/api/usage?sessionId="+testSessionUUID+"&sessionToken=tok&from=not-a-date", nil)
	req.Header.Set("Origin", "https://app.mulerun.com")
	w := httptest.NewRecorder()
	handler.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}
