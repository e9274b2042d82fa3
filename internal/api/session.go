package api

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/session"
)

// timestampSkew is the accepted distance between the signed launch time and
// server time; anything staler (or from the future) is rejected.
const timestampSkew = 90 * time.Second

var requiredIssuanceParams = []string{"userId", "sessionId", "agentId", "time", "nonce", "signature", "origin"}

type SessionHandler struct {
	sessions *session.Store
	nonces   *session.NonceRegistry
	agentKey string
	now      func() time.Time
}

func NewSessionHandler(sessions *session.Store, nonces *session.NonceRegistry, agentKey string) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		nonces:   nonces,
		agentKey: agentKey,
		now:      time.Now,
	}
}

type sessionIdentity struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

// HandleIssue authorizes a launch. An existing session matching the caller's
// identity and origin is reused without burning the nonce; otherwise the
// signed parameter set is verified and a fresh session is issued.
func (h *SessionHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	fingerprint := session.ComputeFingerprint(r)

	if h.sessions.ValidationDisabled() {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"bypassed": true,
			"session":  devIdentity(params),
			"token":    orDefault(strings.TrimSpace(params["sessionToken"]), "dev-token"),
		})
		return
	}

	for _, key := range requiredIssuanceParams {
		if params[key] == "" {
			writeError(w, http.StatusBadRequest, "Missing parameter: "+key)
			return
		}
	}

	if done := h.tryReuseSession(w, r, params, fingerprint); done {
		return
	}

	valid, attempts := session.VerifySignature(params, h.agentKey)
	if !valid {
		if params["debug"] == "1" || params["debug"] == "true" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":    session.ErrInvalidSignature.Error(),
				"attempts": attempts,
			})
			return
		}
		writeError(w, http.StatusUnauthorized, session.ErrInvalidSignature.Error())
		return
	}

	timestamp, err := strconv.ParseInt(params["time"], 10, 64)
	if err != nil || math.Abs(float64(h.now().Unix()-timestamp)) > timestampSkew.Seconds() {
		writeError(w, http.StatusUnauthorized, session.ErrTimestampExpired.Error())
		return
	}

	// Claim the nonce before any further work to keep the replay window
	// as small as possible.
	if err := h.nonces.Register(r.Context(), params["nonce"]); err != nil {
		if errors.Is(err, session.ErrNonceReused) {
			writeError(w, http.StatusUnauthorized, session.ErrNonceReused.Error())
			return
		}
		log.Printf("api/session: nonce registration failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	token, err := session.GenerateToken()
	if err != nil {
		log.Printf("api/session: token generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	err = h.sessions.Persist(r.Context(), session.Session{
		SessionID: params["sessionId"],
		UserID:    params["userId"],
		AgentID:   params["agentId"],
		Origin:    params["origin"],
	}, session.PersistOptions{
		Token:       token,
		Fingerprint: fingerprint,
	})
	if err != nil {
		log.Printf("api/session: persist failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": sessionIdentity{
			UserID:    params["userId"],
			SessionID: params["sessionId"],
			AgentID:   params["agentId"],
		},
		"token": token,
	})
}

// tryReuseSession answers the request from an existing stored session when
// the caller still holds matching identity and origin. A missing or expired
// record falls through to the issuance flow; any other rejection is final.
func (h *SessionHandler) tryReuseSession(w http.ResponseWriter, r *http.Request, params map[string]string, fingerprint string) bool {
	tokenParam := strings.TrimSpace(params["sessionToken"])

	stored, err := h.sessions.EnsureAuthorized(r.Context(), params["sessionId"], session.EnsureOptions{
		Token:            tokenParam,
		Origin:           params["origin"],
		OriginCandidates: []string{params["origin"], params["parentOrigin"]},
		Fingerprint:      fingerprint,
		SkipTokenCheck:   tokenParam == "",
	})
	if err != nil {
		if errors.Is(err, session.ErrNotAuthorized) {
			return false
		}
		writeMappedError(w, err)
		return true
	}

	requestedOrigin := session.NormalizeOrigin(params["origin"])
	if stored.UserID != params["userId"] || stored.AgentID != params["agentId"] {
		return false
	}
	if stored.Origin != "" && requestedOrigin != "" && stored.Origin != requestedOrigin {
		return false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reused":  true,
		"session": sessionIdentity{
			UserID:    stored.UserID,
			SessionID: stored.SessionID,
			AgentID:   stored.AgentID,
		},
		"token": stored.Token,
	})
	return true
}

func devIdentity(params map[string]string) sessionIdentity {
	return sessionIdentity{
		UserID:    orDefault(strings.TrimSpace(params["userId"]), "dev-user"),
		SessionID: orDefault(strings.TrimSpace(params["sessionId"]), "dev-session"),
		AgentID:   orDefault(strings.TrimSpace(params["agentId"]), "dev-agent"),
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
