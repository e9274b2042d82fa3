package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/agent-gateway/internal/metering"
	"github.com/vnmchuo/agent-gateway/internal/session"
	"github.com/vnmchuo/agent-gateway/internal/upstream"
	"github.com/vnmchuo/agent-gateway/pkg/ratelimit"
)

type AIHandler struct {
	sessions *session.Store
	meter    *metering.Service
	client   *upstream.Client
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
}

func NewAIHandler(sessions *session.Store, meter *metering.Service, client *upstream.Client, limiter *ratelimit.Limiter, tracer trace.Tracer) *AIHandler {
	return &AIHandler{
		sessions: sessions,
		meter:    meter,
		client:   client,
		limiter:  limiter,
		tracer:   tracer,
	}
}

type aiRequest struct {
	SessionID    string         `json:"sessionId"`
	SessionToken string         `json:"sessionToken"`
	Operation    string         `json:"operation"`
	Payload      map[string]any `json:"payload"`
	Prompt       string         `json:"prompt"`
	Messages     []any          `json:"messages"`
	Options      struct {
		PollIntervalMs int64 `json:"pollIntervalMs"`
		PollTimeoutMs  int64 `json:"pollTimeoutMs"`
	} `json:"options"`
}

// HandleOperation authorizes the caller's session and runs one upstream AI
// operation on its behalf, metering the outcome server-side so the embedded
// app never holds the platform key.
func (h *AIHandler) HandleOperation(w http.ResponseWriter, r *http.Request) {
	var body aiRequest
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

	operation := strings.TrimSpace(body.Operation)
	if operation == "" {
		writeError(w, http.StatusBadRequest, "Missing operation")
		return
	}

	fingerprint := session.ComputeFingerprint(r)
	_, err := h.sessions.EnsureAuthorized(r.Context(), sessionID, session.EnsureOptions{
		Token:            sessionToken,
		Origin:           r.Header.Get("Origin"),
		OriginCandidates: originCandidates(r),
		Fingerprint:      fingerprint,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "ai."+operation)
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("operation", operation),
	)

	payload := body.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if body.Prompt != "" {
		if _, ok := payload["prompt"]; !ok {
			payload["prompt"] = body.Prompt
		}
	}
	if len(body.Messages) > 0 {
		if _, ok := payload["messages"]; !ok {
			payload["messages"] = body.Messages
		}
	}

	if h.limiter != nil {
		estimated := estimateTokens(payload)
		allowed, limitErr := h.limiter.Allow(ctx, sessionID, estimated)
		if limitErr != nil || !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60s")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	switch operation {
	case "chat":
		h.runChat(ctx, w, sessionID, sessionToken, payload)
	case "image_generate":
		h.runImageTask(ctx, w, sessionID, sessionToken, upstream.ImageGeneration, payload, body)
	case "image_edit":
		h.runImageTask(ctx, w, sessionID, sessionToken, upstream.ImageEdit, payload, body)
	default:
		writeError(w, http.StatusBadRequest, "Unsupported operation: "+operation)
	}
}

func (h *AIHandler) runChat(ctx context.Context, w http.ResponseWriter, sessionID, sessionToken string, payload map[string]any) {
	result, err := upstream.RunChat(ctx, h.client, h.meter.Engine(), payload)
	if err != nil {
		log.Printf("api/ai: chat operation failed for session %s: %v", sessionID, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	// The resolved cost rides along so vendor-cost-only responses (no
	// usage object at all) still get billed.
	usage := result.Usage
	report := h.meter.ReportBestEffort(ctx, sessionID, sessionToken, metering.Input{
		Type:  metering.TypeChat,
		Model: result.Model,
		Usage: &usage,
		Cost:  float64(result.Cost),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"operation": "chat",
		"data":      result.Data,
		"usage":     result.Usage,
		"cost":      result.Cost,
		"pricing":   result.Pricing,
		"metering":  report,
	})
}

func (h *AIHandler) runImageTask(ctx context.Context, w http.ResponseWriter, sessionID, sessionToken string, kind upstream.ImageTaskKind, payload map[string]any, body aiRequest) {
	opts := upstream.ImageTaskOptions{
		Kind:    kind,
		Payload: payload,
	}
	if body.Options.PollIntervalMs > 0 {
		opts.PollInterval = time.Duration(body.Options.PollIntervalMs) * time.Millisecond
	}
	if body.Options.PollTimeoutMs > 0 {
		opts.PollTimeout = time.Duration(body.Options.PollTimeoutMs) * time.Millisecond
	}

	result, err := upstream.RunImageTask(ctx, h.client, h.meter.Engine(), opts)
	if err != nil {
		log.Printf("api/ai: %s operation failed for session %s: %v", kind, sessionID, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	input := metering.Input{
		Type:   metering.TypeImage,
		Images: int64(len(result.Images)),
		Cost:   float64(result.Cost),
	}
	if result.Usage.HasTokens() {
		usage := result.Usage
		input.Type = metering.TypeCombined
		input.Usage = &usage
	}
	report := h.meter.ReportBestEffort(ctx, sessionID, sessionToken, input)

	operation := "image_generate"
	if kind == upstream.ImageEdit {
		operation = "image_edit"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"operation": operation,
		"data":      result.Data,
		"images":    result.Images,
		"usage":     result.Usage,
		"cost":      result.Cost,
		"pricing":   result.Pricing,
		"metering":  report,
	})
}

// originCandidates collects every origin hint the browser leaves on a
// cross-frame request: the Origin header, the Referer's own origin, and any
// origin/parentOrigin query parameters embedded in the Referer by the host
// page.
func originCandidates(r *http.Request) []string {
	var candidates []string
	if origin := r.Header.Get("Origin"); origin != "" {
		candidates = append(candidates, origin)
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return candidates
	}
	parsed, err := url.Parse(referer)
	if err != nil || parsed.Host == "" {
		return candidates
	}
	candidates = append(candidates, parsed.Scheme+"://"+parsed.Host)
	query := parsed.Query()
	for _, key := range []string{"origin", "parentOrigin"} {
		if value := query.Get(key); value != "" {
			candidates = append(candidates, value)
		}
	}
	return candidates
}

// estimateTokens sizes the rate-limit charge from the request text; the real
// count comes back with the response, but admission needs a figure up front.
func estimateTokens(payload map[string]any) int {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 1000
	}
	estimated := len(encoded) / 4
	if estimated <= 0 {
		estimated = 1000
	}
	return estimated
}
