// Package limiter throttles wrong password attempts on protected documents.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter counts failed attempts per subject and blocks it for a while after too many.
type Limiter interface {
	// Allow reports whether an attempt is currently allowed and the optional retry-after.
	Allow(ctx context.Context, subject []byte) (bool, time.Duration, error)
	// Success resets the counters of subject.
	Success(ctx context.Context, subject []byte) error
	// Failure records a failed attempt; it may place a temporary block.
	Failure(ctx context.Context, subject []byte) (bool, time.Duration, error)
}

// Subject returns a stable hash of the attempt owner so raw user ids are not stored.
func Subject(tenant, docID, userID string) []byte {
	h := sha256.Sum256([]byte(tenant + "\x00" + docID + "\x00" + userID))
	return h[:]
}
