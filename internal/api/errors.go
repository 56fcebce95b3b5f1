package api

import (
	"errors"
	"net/http"

	"github.com/evault/ledgerops/internal/domain"
)

// statusFor maps an engine error kind to an HTTP status and a client-safe
// message. Storage details never leave the process.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrStorageFailure):
		return http.StatusInternalServerError, "Temporary storage failure, please retry"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRecipientNotFound):
		return http.StatusNotFound, "Recipient not found"
	case errors.Is(err, domain.ErrRecipientHasNoAccount):
		return http.StatusNotFound, "Recipient has no account"
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound, "Transaction not found"
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusConflict, "Insufficient funds"
	case errors.Is(err, domain.ErrAccountInactive):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusConflict, "Idempotency key reused with different parameters"
	case errors.Is(err, domain.ErrRequestInProgress):
		return http.StatusConflict, "A request with this idempotency key is still in progress"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, "Duplicate request"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "Transaction is already in a terminal state"
	case errors.Is(err, domain.ErrTransferFailed):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}
