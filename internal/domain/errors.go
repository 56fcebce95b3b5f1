package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountInactive       = errors.New("account is not active")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrDuplicateRequest      = errors.New("duplicate request")
	ErrIdempotencyMismatch   = errors.New("idempotency key reused with different parameters")
	ErrRequestInProgress     = errors.New("request with this idempotency key is still in progress")
	ErrRecipientNotFound     = errors.New("recipient not found")
	ErrRecipientHasNoAccount = errors.New("recipient has no account")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrTransferFailed        = errors.New("transfer failed")
	ErrStorageFailure        = errors.New("storage failure")
)

// ValidationError describes a rejected input field. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// StorageError wraps an unexpected I/O failure. The operation names the step
// that failed; the cause is never shown to API clients.
type StorageError struct {
	Operation string
	Cause     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during '%s': %v", e.Operation, e.Cause)
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func NewStorageError(operation string, cause error) error {
	return &StorageError{Operation: operation, Cause: cause}
}

// ReasonError maps a failure reason recorded on a ledger row back to the
// error kind that produced it.
func ReasonError(reason string) error {
	switch reason {
	case ReasonInsufficientFunds:
		return ErrInsufficientFunds
	case ReasonAccountInactive:
		return ErrAccountInactive
	case ReasonCurrencyMismatch:
		return NewValidationError("currency", "does not match account currency")
	case "":
		return ErrTransferFailed
	}
	return fmt.Errorf("%w: %s", ErrTransferFailed, reason)
}

// FailureReason is the inverse of ReasonError for the business failures the
// engine records on the ledger.
func FailureReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds, true
	case errors.Is(err, ErrAccountInactive):
		return ReasonAccountInactive, true
	case errors.Is(err, ErrValidation):
		return ReasonCurrencyMismatch, true
	}
	return "", false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrRecipientNotFound) ||
		errors.Is(err, ErrRecipientHasNoAccount) ||
		errors.Is(err, ErrUserNotFound)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
