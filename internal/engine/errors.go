package engine

import (
	"errors"
	"fmt"
)

// EngineError represents an error detected during pipeline execution.
//
// The taxonomy mirrors the propagation policy:
//   - Contract violations fail the batch and degrade the run, but the
//     process continues.
//   - Invariant violations abort the run: continuing would produce an
//     audit trail that lies about lineage.
//   - Checkpoint errors are fatal for resume only.
//
// Plugin data errors are not EngineErrors at all - they are ordinary
// quarantine outcomes handled inline by the Row Processor.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RunID identifies the affected run.
	RunID string

	// NodeID identifies the node (for contract/invariant errors).
	NodeID string

	// BatchID identifies the batch (for contract errors).
	BatchID string

	// TokenID identifies the token (for invariant errors).
	TokenID string
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeContractViolation indicates a plugin broke its declared
	// contract (e.g. batch output count mismatch).
	ErrCodeContractViolation ErrorCode = "CONTRACT_VIOLATION"

	// ErrCodeInvariantViolation indicates an engine-internal lineage
	// invariant was broken (e.g. output token id equals an input id).
	ErrCodeInvariantViolation ErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeCheckpointCorrupt indicates a missing or corrupt checkpoint
	// on resume.
	ErrCodeCheckpointCorrupt ErrorCode = "CHECKPOINT_CORRUPT"
)

// Error implements the error interface.
func (e *EngineError) Error() string {
	switch {
	case e.NodeID != "" && e.BatchID != "":
		return fmt.Sprintf("%s: %s (run=%s, node=%s, batch=%s)", e.Code, e.Message, e.RunID, e.NodeID, e.BatchID)
	case e.NodeID != "":
		return fmt.Sprintf("%s: %s (run=%s, node=%s)", e.Code, e.Message, e.RunID, e.NodeID)
	case e.RunID != "":
		return fmt.Sprintf("%s: %s (run=%s)", e.Code, e.Message, e.RunID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsInvariantViolation reports whether err is a lineage invariant
// violation. Uses errors.As to handle wrapped errors.
func IsInvariantViolation(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeInvariantViolation
	}
	return false
}

// IsContractViolation reports whether err is a plugin contract
// violation. Uses errors.As to handle wrapped errors.
func IsContractViolation(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeContractViolation
	}
	return false
}

// IsCheckpointError reports whether err is a checkpoint/recovery error.
func IsCheckpointError(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeCheckpointCorrupt
	}
	return false
}

// NewContractError creates an EngineError for a plugin contract violation.
func NewContractError(runID, nodeID, batchID, message string) *EngineError {
	return &EngineError{
		Code:    ErrCodeContractViolation,
		Message: message,
		RunID:   runID,
		NodeID:  nodeID,
		BatchID: batchID,
	}
}

// NewInvariantError creates an EngineError for a lineage invariant
// violation. Always fatal for the run.
func NewInvariantError(runID, nodeID, tokenID, message string) *EngineError {
	return &EngineError{
		Code:    ErrCodeInvariantViolation,
		Message: message,
		RunID:   runID,
		NodeID:  nodeID,
		TokenID: tokenID,
	}
}

// NewCheckpointError creates an EngineError for a corrupt or missing
// checkpoint on resume.
func NewCheckpointError(runID, message string) *EngineError {
	return &EngineError{
		Code:    ErrCodeCheckpointCorrupt,
		Message: message,
		RunID:   runID,
	}
}
