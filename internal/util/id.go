package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a URL-safe hex string ID for traces and session handles.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewIdempotencyKey returns a fresh caller-style idempotency token.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
