package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/session"
)

type MeteringHandler struct {
	sessions      *session.Store
	meter         *metering.Service
	ledger        metering.Ledger
	getEndpoint   string
	agentKey      string
	internalToken string
	client        *http.Client
}

func NewMeteringHandler(sessions *session.Store, meter *metering.Service, ledger metering.Ledger, getEndpoint, agentKey, internalToken string) *MeteringHandler {
	return &MeteringHandler{
		sessions:      sessions,
		meter:         meter,
		ledger:        ledger,
		getEndpoint:   strings.TrimSuffix(getEndpoint, "/"),
		agentKey:      agentKey,
		internalToken: internalToken,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

type meteringRequest struct {
	metering.Input
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
	IsFinal      bool   `json:"isFinal"`
	MeteringID   string `json:"meteringId"`
	Fingerprint  string `json:"fingerprint"`
}

// HandlePost prices and forwards one charge. Internal callers (the AI
// handler during server-side metering) may supply the fingerprint captured
// at operation time; such requests must prove themselves with the internal
// metering token.
func (h *MeteringHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	var body meteringRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bypass := h.sessions.ValidationDisabled()

	sessionID := strings.TrimSpace(body.SessionID)
	if sessionID == "" && bypass {
		sessionID = "dev-session"
	}
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId")
		return
	}

	sessionToken := strings.TrimSpace(body.SessionToken)
	if sessionToken == "" && bypass {
		sessionToken = "dev-token"
	}
	if sessionToken == "" {
		writeError(w, http.StatusUnauthorized, "Missing session token")
		return
	}

	if body.Fingerprint != "" && h.internalToken != "" {
		if r.Header.Get("X-Internal-Metering") != h.internalToken {
			writeError(w, http.StatusForbidden, "Unauthorized internal metering request")
			return
		}
	}

	fingerprint := strings.TrimSpace(body.Fingerprint)
	if fingerprint == "" {
		fingerprint = session.ComputeFingerprint(r)
	}
	_, err := h.sessions.EnsureAuthorized(r.Context(), sessionID, session.EnsureOptions{
		Token:       sessionToken,
		Origin:      r.Header.Get("Origin"),
		Fingerprint: fingerprint,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	outcome, err := h.meter.Charge(r.Context(), sessionID, body.Input, body.IsFinal, strings.TrimSpace(body.MeteringID))
	if err != nil {
		if errors.Is(err, metering.ErrInvalidCost) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("api/metering: charge failed for session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"meteringId": outcome.MeteringID,
		"response":   outcome.Response,
		"finalCost":  outcome.FinalCost,
		"pricing":    flattenBreakdown(outcome.Breakdown),
		"breakdown":  outcome.Breakdown,
		"markup":     outcome.Markup,
	})
}

// HandleGet proxies the platform's per-session metering listing.
func (h *MeteringHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId")
		return
	}
	sessionToken := strings.TrimSpace(r.URL.Query().Get("sessionToken"))
	if sessionToken == "" {
		writeError(w, http.StatusUnauthorized, "Missing session token")
		return
	}

	_, err := h.sessions.EnsureAuthorized(r.Context(), sessionID, session.EnsureOptions{
		Token:       sessionToken,
		Origin:      r.Header.Get("Origin"),
		Fingerprint: session.ComputeFingerprint(r),
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, h.getEndpoint+"/"+sessionID, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req.Header.Set("Authorization", "Bearer "+h.agentKey)

	resp, err := h.client.Do(req)
	if err != nil {
		log.Printf("api/metering: upstream GET failed for session %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(raw))
		if message == "" {
			message = resp.Status
		}
		writeError(w, http.StatusInternalServerError, message)
		return
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

// HandleUsage serves the locally journaled charges for a session.
func (h *MeteringHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusNotFound, "usage ledger not configured")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "Missing sessionId")
		return
	}
	sessionToken := strings.TrimSpace(r.URL.Query().Get("sessionToken"))
	if sessionToken == "" {
		writeError(w, http.StatusUnauthorized, "Missing session token")
		return
	}

	_, err := h.sessions.EnsureAuthorized(r.Context(), sessionID, session.EnsureOptions{
		Token:       sessionToken,
		Origin:      r.Header.Get("Origin"),
		Fingerprint: session.ComputeFingerprint(r),
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	charges, err := h.ledger.GetChargesBySession(r.Context(), sessionID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	totalCost, err := h.ledger.GetTotalCostBySession(r.Context(), sessionID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":     sessionID,
		"totalRequests": len(charges),
		"totalCost":     totalCost,
		"charges":       charges,
		"from":          from,
		"to":            to,
	})
}

// flattenBreakdown mirrors the pricing field contract: a single entry is
// returned bare, none is null, several stay a list.
func flattenBreakdown(breakdown []metering.BreakdownEntry) any {
	switch len(breakdown) {
	case 0:
		return nil
	case 1:
		return breakdown[0]
	default:
		return breakdown
	}
}
