package ledger

import (
	"errors"
	"fmt"
)

// Error is a ledger rejection. Code is stable and travels to callers as the
// transaction result code.
type Error struct {
	Code uint32
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (u%d)", e.Name, e.Code)
}

// Is matches on the code so that errors decoded from a result code compare
// equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotOwner               = &Error{Code: 101, Name: "NotOwner"}
	ErrListingNotFound        = &Error{Code: 102, Name: "ListingNotFound"}
	ErrInsufficientCollateral = &Error{Code: 103, Name: "InsufficientCollateral"}
	ErrTokenNotFound          = &Error{Code: 104, Name: "TokenNotFound"}
	ErrAlreadyListed          = &Error{Code: 105, Name: "AlreadyListed"}
	ErrInvalidPrice           = &Error{Code: 106, Name: "InvalidPrice"}
	ErrNotSeller              = &Error{Code: 107, Name: "NotSeller"}
	ErrSelfPurchase           = &Error{Code: 108, Name: "SelfPurchase"}
	ErrInvalidMetadata        = &Error{Code: 109, Name: "InvalidMetadata"}
	ErrPaymentFailed          = &Error{Code: 110, Name: "PaymentFailed"}
)

var errorsByCode = map[uint32]*Error{}

func init() {
	for _, e := range []*Error{
		ErrNotOwner, ErrListingNotFound, ErrInsufficientCollateral,
		ErrTokenNotFound, ErrAlreadyListed, ErrInvalidPrice, ErrNotSeller,
		ErrSelfPurchase, ErrInvalidMetadata, ErrPaymentFailed,
	} {
		errorsByCode[e.Code] = e
	}
}

// ErrorFromCode returns the ledger error for a result code, or nil when the
// code does not belong to the ledger.
func ErrorFromCode(code uint32) *Error {
	return errorsByCode[code]
}

// CodeOf extracts the result code of a ledger error. ok is false for errors
// that did not originate in the ledger.
func CodeOf(err error) (code uint32, ok bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Code, true
	}
	return 0, false
}
