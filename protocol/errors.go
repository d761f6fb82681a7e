// Package protocol defines the structures and constants for the Jupyter kernel messaging protocol.
package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature is returned when a received frame fails HMAC verification.
	ErrInvalidSignature = errors.New("invalid message signature")
	// ErrUnsupportedScheme is returned for signature schemes other than hmac-sha256.
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
	// ErrInvalidParameters is wrapped by ConnectionParameters.Validate failures.
	ErrInvalidParameters = errors.New("invalid connection parameters")
)

// ParameterError describes which connection parameter failed validation.
type ParameterError struct {
	Field  string
	Reason string
}

// Error implements the error interface for ParameterError.
func (e *ParameterError) Error() string {
	return fmt.Sprintf("invalid connection parameter %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidParameters.
func (e *ParameterError) Unwrap() error {
	return ErrInvalidParameters
}

// Helper function to create a new ParameterError
func newParameterError(field, reason string) *ParameterError {
	return &ParameterError{Field: field, Reason: reason}
}
