package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the content dedup key for a version's raw bytes: the
// hex-encoded SHA-256 of the bytes and nothing else. Metadata (title, source,
// kind) never feeds the hash, so the same upload under two documents
// deduplicates.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
