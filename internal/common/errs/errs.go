// Package errs holds the error taxonomy shared by the ledger, payment and
// webhook packages. Domain packages wrap these kinds with more specific
// sentinels so callers can match on either with errors.Is.
package errs

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidState            = errors.New("invalid state")
	ErrConflict                = errors.New("conflict")
	ErrMissingPaymentReference = errors.New("missing payment reference")
	ErrUnavailable             = errors.New("unavailable")
)

// Kind returns the taxonomy sentinel err belongs to, or nil when err is not
// part of the taxonomy.
func Kind(err error) error {
	for _, k := range []error{
		ErrNotFound,
		ErrInvalidAmount,
		ErrInsufficientFunds,
		ErrInvalidState,
		ErrConflict,
		ErrMissingPaymentReference,
		ErrUnavailable,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
