package session

import (
	"context"
	"fmt"
	"time"

	"github.com/vnmchuo/agent-gateway/internal/kv"
)

const (
	noncePrefix = "nonce:"
	nonceTTL    = 5 * time.Minute
)

// NonceRegistry tracks single-use tokens to block replay of signed requests.
type NonceRegistry struct {
	store kv.Store
}

func NewNonceRegistry(store kv.Store) *NonceRegistry {
	return &NonceRegistry{store: store}
}

// Register claims a nonce for the replay window. The claim is an atomic
// put-if-absent: a nonce seen before within its TTL returns ErrNonceReused.
func (r *NonceRegistry) Register(ctx context.Context, nonce string) error {
	ok, err := r.store.PutIfAbsent(ctx, noncePrefix+nonce, "1", nonceTTL)
	if err != nil {
		return fmt.Errorf("failed to register nonce: %w", err)
	}
	if !ok {
		return ErrNonceReused
	}
	return nil
}
