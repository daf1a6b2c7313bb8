package backend

import (
	"errors"
	"fmt"
)

// Failure codes reported by the matchmaking service. The session layer maps
// these to its closed result enum; anything unlisted falls through to an
// unknown-error result there.
const (
	CodeRoomFull           = 2301
	CodeRoomNotFound       = 2302
	CodeAlreadyMember      = 2303
	CodeAddressUnavailable = 2304
	CodeContextInvalid     = 2310
	CodeInternal           = 2900
)

// Error is a failure reported by the backend, carrying its raw failure code.
type Error struct {
	Code   int
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("backend failure %d: %s", e.Code, e.Detail)
}

// NewError creates a backend failure with the given code.
func NewError(code int, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// CodeOf extracts the backend failure code from err.
//
// Postcondition: Returns (code, true) if err wraps a *Error, (0, false) otherwise.
func CodeOf(err error) (int, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be.Code, true
	}
	return 0, false
}
