// Package errors holds the sentinel failures returned by marketplace actions.
// Every action either commits fully or returns one of these (wrapped with
// context); callers classify with errors.Is.
package errors

import stderrors "errors"

var (
	ErrUnauthorized           = stderrors.New("market: unauthorized")
	ErrInvalidState           = stderrors.New("market: invalid state")
	ErrNotFound               = stderrors.New("market: not found")
	ErrSoldOut                = stderrors.New("market: sold out")
	ErrTransferFailed         = stderrors.New("market: transfer failed")
	ErrArbitrationUnavailable = stderrors.New("market: arbitration unavailable")
	ErrOverflow               = stderrors.New("market: arithmetic overflow")
	ErrInvariantViolation     = stderrors.New("market: invariant violation")
	ErrInvalidArgument        = stderrors.New("market: invalid argument")
)

// ErrInvalidRuling is returned for ruling codes outside the known set. It is a
// kind of invalid state so generic handlers treat it as a rejected transition.
var ErrInvalidRuling = &classified{msg: "market: invalid ruling", kind: ErrInvalidState}

type classified struct {
	msg  string
	kind error
}

func (c *classified) Error() string { return c.msg }

func (c *classified) Unwrap() error { return c.kind }

// Class returns a short label for metrics and logs.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case stderrors.Is(err, ErrInvalidRuling):
		return "invalid_ruling"
	case stderrors.Is(err, ErrInvalidState):
		return "invalid_state"
	case stderrors.Is(err, ErrNotFound):
		return "not_found"
	case stderrors.Is(err, ErrSoldOut):
		return "sold_out"
	case stderrors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case stderrors.Is(err, ErrArbitrationUnavailable):
		return "arbitration_unavailable"
	case stderrors.Is(err, ErrOverflow):
		return "overflow"
	case stderrors.Is(err, ErrInvariantViolation):
		return "invariant"
	case stderrors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// IsRejection reports whether err is an expected, caller-correctable denial as
// opposed to a fault in the ledger itself.
func IsRejection(err error) bool {
	switch Class(err) {
	case "overflow", "invariant", "internal":
		return false
	}
	return true
}
