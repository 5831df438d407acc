package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Protocol errors
	ErrProtocolViolation = errors.New("protocol violation")
	ErrUnknownPhase      = fmt.Errorf("%w: unrecognized computation phase", ErrProtocolViolation)
	ErrPhaseMismatch     = fmt.Errorf("%w: sites reported different computation phases", ErrProtocolViolation)
	ErrLambdaMismatch    = fmt.Errorf("%w: unequal lambdas at local sites", ErrProtocolViolation)
	ErrMissingSite       = fmt.Errorf("%w: missing site submission", ErrProtocolViolation)

	// Numerical errors
	ErrNumerical        = errors.New("numerical failure")
	ErrSingularMatrix   = fmt.Errorf("%w: matrix is singular or near-singular (rank deficient design)", ErrNumerical)
	ErrInsufficientDOF  = fmt.Errorf("%w: non-positive degrees of freedom", ErrNumerical)
	ErrNonFinite        = fmt.Errorf("%w: non-finite value", ErrNumerical)
	ErrInsufficientData = fmt.Errorf("%w: insufficient data", ErrNumerical)

	// Schema errors
	ErrSchemaMismatch = errors.New("schema mismatch")

	// Storage errors
	ErrCacheMiss = errors.New("cache entry not found")
)

// Error constructors with context
func NewSchemaError(field string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrSchemaMismatch, field, reason)
}

func NewDimensionError(field string, wantRows, wantCols, gotRows, gotCols int) error {
	return fmt.Errorf("%w: %s is %dx%d, expected %dx%d", ErrSchemaMismatch, field, gotRows, gotCols, wantRows, wantCols)
}

func NewUnknownPhaseError(phase string) error {
	return fmt.Errorf("%w %q", ErrUnknownPhase, phase)
}

// Error checking helpers
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

func IsNumericalError(err error) bool {
	return errors.Is(err, ErrNumerical)
}

func IsSchemaError(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}
