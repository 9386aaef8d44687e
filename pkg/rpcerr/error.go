// Package rpcerr contains the error type delivered to fail handlers.
package rpcerr

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"
)

// Synthetic error types produced locally, never sent by the server.
const (
	TypeBadRPCError         = "CLIENT_BAD_RPC_ERROR"
	TypeInternalServerError = "INTERNAL_SERVER_ERROR"
	TypeResponseParseFailed = "RESPONSE_PARSE_FAILED"
	TypeSessionClosed       = "CLIENT_SESSION_CLOSED"
	TypeRequestCancelled    = "CLIENT_REQUEST_CANCELLED"
)

// Prefixes of rate limit error types, followed by seconds to wait.
const (
	TypeFloodWaitPrefix        = "FLOOD_WAIT_"
	TypePremiumFloodWaitPrefix = "FLOOD_PREMIUM_WAIT_"
)

var errorRegex = regexp.MustCompile(`^([A-Z0-9_]+)(: .*)?$`)

// Error is an RPC error returned by the server or synthesized by the client.
type Error struct {
	Code        int
	Type        string
	Description string
}

// New creates an error with the given code and type.
func New(code int, typ string) *Error {
	return &Error{Code: code, Type: typ}
}

// Parse parses the server error text into Error.
//
// Text that does not follow the error grammar is reported as
// CLIENT_BAD_RPC_ERROR with the raw text in the description.
func Parse(code int, text string) *Error {
	if code < 0 || code >= 500 {
		return &Error{Code: code, Type: TypeInternalServerError, Description: text}
	}
	m := errorRegex.FindStringSubmatch(text)
	if m == nil {
		return &Error{
			Code:        code,
			Type:        TypeBadRPCError,
			Description: "Bad rpc error received, text = '" + text + "'",
		}
	}
	return &Error{
		Code:        code,
		Type:        m[1],
		Description: strings.TrimPrefix(m[2], ": "),
	}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("rpc error code %d: %s", e.Code, e.Type)
	}
	return fmt.Sprintf("rpc error code %d: %s (%s)", e.Code, e.Type, e.Description)
}

// Unwrap returns the equivalent *tgerr.Error, so tgerr helpers can be used
// on errors returned by this package.
func (e *Error) Unwrap() error {
	return tgerr.New(e.Code, e.Type)
}

// IsLocal reports whether error was synthesized by the client.
func (e *Error) IsLocal() bool {
	switch e.Type {
	case TypeBadRPCError, TypeResponseParseFailed, TypeSessionClosed, TypeRequestCancelled:
		return true
	default:
		return false
	}
}

// IsFlood reports whether error is a rate limit instruction.
func (e *Error) IsFlood() bool {
	return strings.HasPrefix(e.Type, TypeFloodWaitPrefix) ||
		strings.HasPrefix(e.Type, TypePremiumFloodWaitPrefix)
}

// FloodWait returns the duration server asked to wait before retrying.
func (e *Error) FloodWait() (time.Duration, bool) {
	if !e.IsFlood() {
		return 0, false
	}
	tgErr, ok := tgerr.As(e)
	if !ok {
		return 0, false
	}
	return time.Duration(tgErr.Argument) * time.Second, true
}

// IsOneOf reports whether error type is one of given types.
func (e *Error) IsOneOf(types ...string) bool {
	for _, t := range types {
		if e.Type == t {
			return true
		}
	}
	return false
}
