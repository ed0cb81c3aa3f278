package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeChecksum computes the SHA-256 digest of data as lowercase hex.
// SHA-256 rather than a CRC: checksums here are durable content addresses
// compared across replicas and years, not transport-error detectors.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateChecksum validates data against an expected digest
func ValidateChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}
