// Package hashing computes content hashes used for ingestion deduplication.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
)

// Text returns the lowercase hex SHA-256 digest of s's UTF-8 bytes.
func Text(s string) string {
	return Bytes([]byte(s))
}

// Bytes returns the lowercase hex SHA-256 digest of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
