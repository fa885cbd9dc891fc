package order

import "errors"

// Error kinds surfaced by the order store and the settlement engine.
// Callers match with errors.Is; every rejection wraps exactly one of these.
var (
	ErrDuplicateListing    = errors.New("duplicate listing")
	ErrNotFound            = errors.New("listing not found")
	ErrNotOpen             = errors.New("listing not open")
	ErrExpired             = errors.New("listing expired")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrLedgerFailure       = errors.New("ledger failure")
	ErrInvalidParameters   = errors.New("invalid parameters")
)

// KindOf returns the short label of the error kind wrapped by err, or "internal".
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrDuplicateListing):
		return "duplicate_listing"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotOpen):
		return "not_open"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInsufficientPayment):
		return "insufficient_payment"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrLedgerFailure):
		return "ledger_failure"
	case errors.Is(err, ErrInvalidParameters):
		return "invalid_parameters"
	default:
		return "internal"
	}
}

// FromKind rebuilds an error of the given kind label, the inverse of KindOf.
// Unknown labels yield a plain error carrying msg.
func FromKind(kind, msg string) error {
	var base error
	switch kind {
	case "ok":
		return nil
	case "duplicate_listing":
		base = ErrDuplicateListing
	case "not_found":
		base = ErrNotFound
	case "not_open":
		base = ErrNotOpen
	case "expired":
		base = ErrExpired
	case "insufficient_payment":
		base = ErrInsufficientPayment
	case "unauthorized":
		base = ErrUnauthorized
	case "ledger_failure":
		base = ErrLedgerFailure
	case "invalid_parameters":
		base = ErrInvalidParameters
	default:
		return errors.New(msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	return &kindError{kind: base, msg: msg}
}

// kindError keeps the original message while matching its kind with errors.Is.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }
