// Package juiceerr defines the structured error kinds surfaced by the
// token lifecycle and transaction engine. Validation failures never panic;
// every predictable failure returns an *Error carrying a Kind a caller can
// branch on.
package juiceerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure. Callers should compare Kinds (via
// KindOf, or errors.Is against an *Error of the same Kind), not by
// inspecting Message.
type Kind string

const (
	KindInvalidDenomination     Kind = "invalid_denomination"
	KindTokenRevoked            Kind = "token_revoked"
	KindTokenExpired            Kind = "token_expired"
	KindTokenNotOwned           Kind = "token_not_owned"
	KindInsufficientBalance     Kind = "insufficient_balance"
	KindWisselTokenProtected    Kind = "wissel_token_protected"
	KindHistoryTampered         Kind = "history_tampered"
	KindSameOwnerTransfer       Kind = "same_owner_transfer"
	KindInvalidTelomeerSig      Kind = "invalid_telomeer_signature"
	KindOutOfOrderSequence      Kind = "out_of_order_sequence"
	KindBadSignature            Kind = "bad_signature"
	KindTimeIntegrityInadequate Kind = "time_integrity_insufficient"
	KindTransactionTimeout      Kind = "transaction_timeout"
	KindTransactionAborted      Kind = "transaction_aborted"
	KindDuplicateSeed           Kind = "duplicate_seed"
	KindUnknownTransaction      Kind = "unknown_transaction"
	KindTransportFailed         Kind = "transport_failed"
	KindInconclusive            Kind = "inconclusive"
)

// Error is the structured error returned by C3/C6 operations. It implements
// the standard error interface and supports errors.Is/errors.As via Unwrap.
type Error struct {
	Kind          Kind
	Message       string
	Retryable     bool
	TransactionID string // set only for transaction-scoped errors
	cause         error
}

func (e *Error) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("%s: %s (tx=%s)", e.Kind, e.Message, e.TransactionID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, juiceerr.New(juiceerr.KindSameOwnerTransfer, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs a non-retryable *Error with no associated transaction.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs a non-retryable *Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that wraps an underlying cause, preserving it
// for errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithTransaction returns a copy of e scoped to the given transaction id.
func (e *Error) WithTransaction(transactionID string) *Error {
	clone := *e
	clone.TransactionID = transactionID
	return &clone
}

// WithRetryable returns a copy of e with Retryable set.
func (e *Error) WithRetryable(retryable bool) *Error {
	clone := *e
	clone.Retryable = retryable
	return &clone
}

// Transaction-scoped helper matching spec.md §7's TransactionAborted{reason}.
func Aborted(transactionID, reason string) *Error {
	return &Error{
		Kind:          KindTransactionAborted,
		Message:       reason,
		TransactionID: transactionID,
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
