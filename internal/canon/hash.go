package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed hashing.
// Version suffix enables future algorithm migration.
const (
	DomainRow        = "tracerow/row/v1"
	DomainConfig     = "tracerow/config/v1"
	DomainCheckpoint = "tracerow/checkpoint/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RowHash computes the content hash of a row payload.
// Two payloads that are logically equal (regardless of key insertion
// order) produce the same hash.
func RowHash(payload Object) (string, error) {
	data, err := Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("row hash: %w", err)
	}
	return hashWithDomain(DomainRow, data), nil
}

// ConfigHash computes the content hash of a node or run configuration.
func ConfigHash(cfg any) (string, error) {
	data, err := Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config hash: %w", err)
	}
	return hashWithDomain(DomainConfig, data), nil
}

// CheckpointHash computes a verification hash over serialized checkpoint
// state, so a corrupt checkpoint is detected before restore.
func CheckpointHash(state []byte) string {
	return hashWithDomain(DomainCheckpoint, state)
}

// MustRowHash is like RowHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRowHash(payload Object) string {
	h, err := RowHash(payload)
	if err != nil {
		panic(err)
	}
	return h
}
