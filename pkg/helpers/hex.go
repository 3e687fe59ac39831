package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a lowercase hex string without prefix.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// PadLeft pads a byte slice with zeros on the left to reach the specified length.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}
