package ledger

// ============================================================================
// Ledger Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrChecksumMismatch indicates an event whose checksum does not match its content
	ErrChecksumMismatch = errors.New("ledger: checksum mismatch")

	// ErrCorrupted indicates a line that cannot be decoded
	ErrCorrupted = errors.New("ledger: file is corrupted")

	// ErrClosed indicates an operation on a closed ledger
	ErrClosed = errors.New("ledger: already closed")

	// ErrBroken indicates a failed append that could not be rolled back
	ErrBroken = errors.New("ledger: unusable after failed append")
)

// ChecksumError describes which event failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("ledger: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError describes an undecodable line.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("ledger: corrupted line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return ErrCorrupted }
