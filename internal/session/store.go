package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/kv"
)

const (
	sessionPrefix = "session:"

	DefaultTTL = time.Hour
	minTTL     = time.Minute
	maxTTL     = 7 * 24 * time.Hour
)

// Session is the persisted record an authorized launch leaves behind.
// Identifiers and token are set at issuance and never change.
type Session struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId"`
	AgentID     string    `json:"agentId"`
	Origin      string    `json:"origin,omitempty"`
	Token       string    `json:"token"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	StoredAt    time.Time `json:"storedAt"`

	// Bypassed marks synthetic sessions returned by the development
	// bypass paths. Never persisted.
	Bypassed bool `json:"-"`
}

type PersistOptions struct {
	Token       string
	Fingerprint string
	TTL         time.Duration // optional override, clamped
}

type EnsureOptions struct {
	Token            string
	Origin           string
	OriginCandidates []string
	Fingerprint      string
	SkipTokenCheck   bool // zero value enforces the token when one is stored
}

// Options configures a Store. Everything is injected; the store holds no
// process-global state.
type Options struct {
	AllowedOrigins      []string
	DefaultTTL          time.Duration // zero means DefaultTTL
	ValidationDisabled  bool
	FingerprintRequired bool
	DevSessionAllowlist string // comma-separated session IDs, "*"/"all" bypasses everything
}

type Store struct {
	kv   kv.Store
	opts Options
}

func NewStore(store kv.Store, opts Options) *Store {
	return &Store{kv: store, opts: opts}
}

// ValidationDisabled reports whether the global development bypass is on.
func (s *Store) ValidationDisabled() bool {
	return s.opts.ValidationDisabled
}

// Persist writes the session record under session:{id} with a clamped TTL.
func (s *Store) Persist(ctx context.Context, sess Session, opts PersistOptions) error {
	payload := Session{
		SessionID:   sess.SessionID,
		UserID:      sess.UserID,
		AgentID:     sess.AgentID,
		Origin:      NormalizeOrigin(sess.Origin),
		Token:       opts.Token,
		Fingerprint: opts.Fingerprint,
		StoredAt:    time.Now().UTC(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	ttl := s.resolveTTL(opts.TTL)
	if err := s.kv.Put(ctx, sessionPrefix+sess.SessionID, string(raw), ttl); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// EnsureAuthorized loads the stored session and enforces origin, token and
// (optionally) fingerprint binding. Origin binding and the bearer token
// defend against different threats: a stolen token is useless cross-origin,
// and a matching origin is useless without token possession.
func (s *Store) EnsureAuthorized(ctx context.Context, sessionID string, opts EnsureOptions) (*Session, error) {
	if s.opts.ValidationDisabled {
		return syntheticSession(sessionID, opts.Token), nil
	}
	if s.isDevBypassed(sessionID) {
		return &Session{SessionID: sessionID, Bypassed: true}, nil
	}

	raw, err := s.kv.Get(ctx, sessionPrefix+sessionID)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var stored Session
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		log.Printf("session: failed to parse stored payload for %s: %v", sessionID, err)
		return nil, ErrNotAuthorized
	}

	stored.Origin = NormalizeOrigin(stored.Origin)

	if !OriginAllowed(s.opts.AllowedOrigins, stored.Origin) {
		return nil, ErrOriginNotAllowed
	}

	candidates := normalizeCandidates(append([]string{opts.Origin}, opts.OriginCandidates...))
	if stored.Origin != "" && len(candidates) > 0 && !containsString(candidates, stored.Origin) {
		return nil, ErrOriginMismatch
	}

	if stored.Token != "" && !opts.SkipTokenCheck {
		if opts.Token == "" {
			return nil, ErrTokenRequired
		}
		if stored.Token != opts.Token {
			return nil, ErrTokenMismatch
		}
	}

	// Client environments legitimately change IP and UA across a long
	// session, so fingerprints only reject when enforcement is opted in.
	if s.opts.FingerprintRequired &&
		stored.Fingerprint != "" && opts.Fingerprint != "" &&
		stored.Fingerprint != opts.Fingerprint {
		return nil, ErrFingerprintMismatch
	}

	return &stored, nil
}

// GenerateToken returns a fresh bearer credential: 32 random bytes, hex.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Store) resolveTTL(override time.Duration) time.Duration {
	if override > 0 {
		return clampTTL(override)
	}
	if s.opts.DefaultTTL > 0 {
		return clampTTL(s.opts.DefaultTTL)
	}
	return DefaultTTL
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

func (s *Store) isDevBypassed(sessionID string) bool {
	raw := strings.TrimSpace(s.opts.DevSessionAllowlist)
	if raw == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		if entry == "*" || entry == "all" || entry == sessionID {
			return true
		}
	}
	return false
}

func syntheticSession(sessionID, token string) *Session {
	if sessionID == "" {
		sessionID = "dev-session"
	}
	if token == "" {
		token = "dev-token"
	}
	return &Session{
		SessionID: sessionID,
		UserID:    "dev-user",
		AgentID:   "dev-agent",
		Token:     token,
		StoredAt:  time.Now().UTC(),
		Bypassed:  true,
	}
}

func normalizeCandidates(values []string) []string {
	var out []string
	for _, value := range values {
		if normalized := NormalizeOrigin(value); normalized != "" {
			out = append(out, normalized)
		}
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
