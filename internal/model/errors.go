package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the engines. Callers test with errors.Is; the
// engines wrap these with context.
var (
	// ErrValidation marks input rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrIntegrity marks a hard failure that aborts the transaction.
	ErrIntegrity = errors.New("integrity violation")

	// ErrNotFound is an integrity failure for a missing referenced row.
	ErrNotFound = fmt.Errorf("%w: not found", ErrIntegrity)

	// ErrConservation is raised when settlement would change the pair sum.
	ErrConservation = fmt.Errorf("%w: conservation check failed", ErrIntegrity)

	// ErrDuplicate is returned by the store when a unique key already exists.
	ErrDuplicate = errors.New("duplicate key")

	// ErrLockTimeout is a retryable lock wait or statement timeout.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrForbidden is returned when a principal lacks a capability.
	ErrForbidden = errors.New("forbidden")
)

// Validationf returns an ErrValidation with a formatted reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound with a formatted subject.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// RejectionCode identifies a business rule that refused an operation.
type RejectionCode string

const (
	RejectInsufficientFunds     RejectionCode = "insufficient_funds"
	RejectInsufficientShares    RejectionCode = "insufficient_shares"
	RejectInsufficientInventory RejectionCode = "insufficient_inventory"
	RejectStaleQuote            RejectionCode = "stale_quote"
	RejectUnpriced              RejectionCode = "unpriced"
)

// Rejection is a business-rule failure. It is reported in operation
// results rather than as an error; it also implements error so it can
// abort a store transaction and be recovered with errors.As.
type Rejection struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// Reject builds a Rejection with a formatted message.
func Reject(code RejectionCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}
