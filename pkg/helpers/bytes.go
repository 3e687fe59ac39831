// Package helpers provides small utility functions shared across the codebase.
package helpers

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// GenerateSecureRandom returns n cryptographically secure random bytes.
func GenerateSecureRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ReverseBytes returns a new slice with the bytes in reverse order.
// Used for txid display ordering on Bitcoin-family chains.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
