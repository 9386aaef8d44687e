package rpcerr

import (
	"github.com/go-faster/errors"
)

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// Is reports whether err is *Error with one of given types.
func Is(err error, types ...string) bool {
	rpcErr, ok := As(err)
	return ok && rpcErr.IsOneOf(types...)
}

// IsFlood reports whether err is a flood wait error.
func IsFlood(err error) bool {
	rpcErr, ok := As(err)
	return ok && rpcErr.IsFlood()
}

// IsUnauthorized reports whether err is any 401 UNAUTHORIZED or is a 406
// NOT_ACCEPTABLE with AUTH_KEY_DUPLICATED.
//
// Such errors invalidate the session; recovery is up to the caller.
func IsUnauthorized(err error) bool {
	rpcErr, ok := As(err)
	if !ok {
		return false
	}
	return rpcErr.Code == 401 ||
		(rpcErr.Code == 406 && rpcErr.Type == "AUTH_KEY_DUPLICATED") ||
		rpcErr.IsOneOf("AUTH_KEY_INVALID", "AUTH_KEY_UNREGISTERED")
}
