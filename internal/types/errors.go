// README: Error taxonomy shared by every module; module errors wrap these.
package types

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidState = errors.New("invalid state")
	ErrBadRequest   = errors.New("bad request")
)
