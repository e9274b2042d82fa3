package session

import "errors"

var (
	ErrNotAuthorized       = errors.New("session not authorized or expired")
	ErrOriginNotAllowed    = errors.New("session origin is not allowed for this deployment")
	ErrOriginMismatch      = errors.New("origin mismatch for this session")
	ErrTokenRequired       = errors.New("session token is required")
	ErrTokenMismatch       = errors.New("session token mismatch")
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrTimestampExpired    = errors.New("timestamp expired")
	ErrNonceReused         = errors.New("nonce already used")
)
