package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component of the node. Callers wrap these
// with fmt.Errorf("...: %w", err) and match them with errors.Is.
var (
	// ErrValidation is returned for malformed offer or trade parameters, before
	// any state is mutated
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned when an offer or trade id is unknown
	ErrNotFound = errors.New("not found")
	// ErrAlreadyReserved is returned to the loser of a take race
	ErrAlreadyReserved = errors.New("offer already reserved")
	// ErrPreconditionViolation is returned when a protocol gate is not met
	ErrPreconditionViolation = errors.New("protocol precondition violation")
	// ErrDeliveryFailure is returned when a message could not be delivered
	// within the retry budget
	ErrDeliveryFailure = errors.New("message delivery failure")
	// ErrWalletUnavailable is returned when the wallet is locked or unreachable
	ErrWalletUnavailable = errors.New("wallet unavailable")
	// ErrDisputeOpened is returned for operations on a trade in dispute
	ErrDisputeOpened = errors.New("dispute opened")
	// ErrInvalidState is returned when an edit or lifecycle operation would
	// leave an open offer in an inconsistent state
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupportedCurrency is returned for currency codes the node cannot trade
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Preconditionf wraps ErrPreconditionViolation with a formatted message.
func Preconditionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPreconditionViolation, fmt.Sprintf(format, args...))
}

// InvalidStatef wraps ErrInvalidState with a formatted message.
func InvalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
