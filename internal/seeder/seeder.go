package seeder

import (
	"context"
	"log"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/session"
)

const (
	TestSessionID = "00000000-0000-0000-0000-000000000001"
	TestUserID    = "dev-user"
	TestToken     = "test-session-token-12345"
)

// SeedTestSession persists a long-lived development session so local
// clients can exercise the metering and AI endpoints without a real
// platform launch.
func SeedTestSession(ctx context.Context, store *session.Store, agentID string) {
	sess := session.Session{
		SessionID: TestSessionID,
		UserID:    TestUserID,
		AgentID:   agentID,
	}
	err := store.Persist(ctx, sess, session.PersistOptions{
		Token: TestToken,
		TTL:   7 * 24 * time.Hour,
	})
	if err != nil {
		log.Printf("[Seeder] Failed to seed test session: %v", err)
		return
	}
	log.Printf("[Seeder] Test session created successfully")
	log.Printf("[Seeder] SessionID: %s", TestSessionID)
	log.Printf("[Seeder] Token: %s", TestToken)
}
