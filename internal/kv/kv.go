// Package kv abstracts the key-value store backing sessions and nonces.
// Any conforming store works: the gateway itself only requires read-after-write
// consistency per key plus an atomic put-if-absent for replay protection.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Put writes key=value. ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// PutIfAbsent writes key=value only when the key does not exist and
	// reports whether the write happened.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
