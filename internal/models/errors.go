package models

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed order request. Nothing is inserted.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

var ErrNoReferencePrice = errors.New("no reference price")

// NoReferencePriceError rejects a market order that has neither opposing
// liquidity nor an oracle price for its symbol.
type NoReferencePriceError struct {
	Symbol string
}

func (e *NoReferencePriceError) Error() string {
	return fmt.Sprintf("no reference price for %s: no opposing liquidity and no oracle quote", e.Symbol)
}

func (e *NoReferencePriceError) Unwrap() error {
	return ErrNoReferencePrice
}

var ErrCorruptedState = errors.New("corrupted state")

// CorruptedStateError is returned when a persisted snapshot fails to decode,
// authenticate or validate. The snapshot has already been discarded.
type CorruptedStateError struct {
	Reason string
	Cause  error
}

func (e *CorruptedStateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corrupted state: %s: %v", e.Reason, e.Cause)
	}
	return "corrupted state: " + e.Reason
}

func (e *CorruptedStateError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrCorruptedState, e.Cause}
	}
	return []error{ErrCorruptedState}
}
