package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidPrompt       = errors.New("invalid prompt")
	ErrUnknownModel        = errors.New("unknown model")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrQueueUnavailable    = errors.New("queue unavailable")
	ErrProviderFailure     = errors.New("provider failure")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)

// ValidationError reports bad input. No state is created and nothing is charged.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// PaymentRequiredError reports that the account cannot afford the model.
type PaymentRequiredError struct {
	Cost    int
	Balance int
}

func (e *PaymentRequiredError) Error() string {
	unit := "credits"
	if e.Cost == 1 {
		unit = "credit"
	}
	return fmt.Sprintf("this generation requires %d %s", e.Cost, unit)
}

func (e *PaymentRequiredError) Unwrap() error { return ErrInsufficientCredits }

// ProviderErrorKind classifies adapter failures.
type ProviderErrorKind string

const (
	ProviderRejected    ProviderErrorKind = "rejected"
	ProviderTimeout     ProviderErrorKind = "timeout"
	ProviderMalformed   ProviderErrorKind = "malformed"
	ProviderUnavailable ProviderErrorKind = "unavailable"
)

// ProviderError is a failure after credits were reserved. It moves the job to FAILED.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrProviderFailure
}

// StorageError is a durable-promotion failure. It never changes job state.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
