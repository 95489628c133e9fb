// Package code defines error code values used by the jrpc2 package.
package code

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// A Code is an error response code, that satisfies the error interface.
type Code int32

func (c Code) Error() string {
	if s, ok := stdError[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", c)
}

// String renders the human-readable message associated with c, falling
// back to a generic description if c is not registered.
func (c Code) String() string { return c.Error() }

// Pre-defined error codes, including the standard ones from the JSON-RPC
// specification and some specific to this implementation.
const (
	ParseError     Code = -32700 // Invalid JSON received by the server
	InvalidRequest Code = -32600 // The JSON sent is not a valid request object
	MethodNotFound Code = -32601 // The method does not exist or is unavailable
	InvalidParams  Code = -32602 // Invalid method parameters
	InternalError  Code = -32603 // Internal JSON-RPC error

	// The JSON-RPC 2.0 specification reserves the range -32000 to -32099 for
	// implementation-defined server errors, such as the following:

	RequestTimeout   Code = -32000 // Client-synthesized: no reply before the call deadline
	NoError          Code = -32099 // Denotes a nil error
	SystemError      Code = -32098 // Errors from the operating environment
	Cancelled        Code = -32097 // Request cancelled
	DeadlineExceeded Code = -32096 // Request deadline exceeded
)

var stdError = map[Code]string{
	ParseError:     "Parse Error",
	InvalidRequest: "Invalid Request",
	MethodNotFound: "Method not found",
	InvalidParams:  "Invalid Parameters",
	InternalError:  "Internal Error",

	RequestTimeout:   "Request Timeout",
	NoError:          "no error (success)",
	SystemError:      "system error",
	Cancelled:        "request cancelled",
	DeadlineExceeded: "deadline exceeded",
}

// Register adds a new Code value with the specified message string.  This
// function will panic if the proposed value is already registered.
func Register(value int32, message string) Code {
	code := Code(value)
	if s, ok := stdError[code]; ok {
		panic(fmt.Sprintf("code %d is already registered for %q", code, s))
	}
	stdError[code] = message
	return code
}

// An ErrCoder is an error that can report a JSON-RPC error code. Values
// that do not implement ErrCoder, other than context errors, are classified
// as InternalError by FromError.
type ErrCoder interface {
	ErrCode() Code
}

// FromError reports the Code associated with err. If err is nil, it
// reports NoError. If err wraps an ErrCoder (as *jrpc2.Error does), that
// code is returned; context cancellation and deadline errors map to
// Cancelled and DeadlineExceeded respectively; anything else is reported
// as InternalError.
func FromError(err error) Code {
	if err == nil {
		return NoError
	}
	var coder ErrCoder
	if errors.As(err, &coder) {
		return coder.ErrCode()
	} else if errors.Is(err, context.Canceled) {
		return Cancelled
	} else if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return InternalError
}

// HTTPStatus reports the HTTP status code that best corresponds to c, for
// use by an HTTP transport reporting a JSON-RPC error outside the normal
// 200 envelope (the response body still carries the JSON-RPC error object;
// this status is advisory to HTTP-level middleware and proxies).
func (c Code) HTTPStatus() int {
	switch c {
	case NoError:
		return http.StatusOK
	case ParseError:
		return http.StatusInternalServerError
	case InvalidRequest:
		return http.StatusBadRequest
	case MethodNotFound:
		return http.StatusNotFound
	case InvalidParams:
		return http.StatusBadRequest
	case InternalError:
		return http.StatusInternalServerError
	case RequestTimeout:
		return http.StatusRequestTimeout
	case Cancelled:
		return http.StatusRequestTimeout
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
