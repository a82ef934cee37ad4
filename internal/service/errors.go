package service

import (
	"errors"
	"fmt"
)

// Coarse error classes surfaced to callers. Causal detail stays in logs.
var (
	ErrForbidden           = errors.New("forbidden")
	ErrStateConflict       = errors.New("challenge is not waiting for acceptance")
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrBadPaymentRequest   = errors.New("payment request cannot be decoded")
)

// ValidationError names the first violated field of a challenge proposal.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}
