// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

package jrpc2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haldor-labs/jrpc2/code"
)

// Code is an alias for code.Code, so callers that only need the error-code
// catalogue do not have to import the code subpackage directly.
type Code = code.Code

// The standard JSON-RPC error codes and this implementation's extensions,
// re-exported from the code package for convenience.
const (
	ParseError     = code.ParseError
	InvalidRequest = code.InvalidRequest
	MethodNotFound = code.MethodNotFound
	InvalidParams  = code.InvalidParams
	InternalError  = code.InternalError

	RequestTimeout   = code.RequestTimeout
	NoError          = code.NoError
	SystemError      = code.SystemError
	Cancelled        = code.Cancelled
	DeadlineExceeded = code.DeadlineExceeded
)

// ErrorCode reports the Code that best categorizes err:
//
//   - If err == nil, it returns NoError.
//   - If err is (or wraps) a code.ErrCoder, such as *jrpc2.Error, it
//     returns the reported code value.
//   - If err is context.Canceled, it returns Cancelled.
//   - If err is context.DeadlineExceeded, it returns DeadlineExceeded.
//   - Otherwise it returns SystemError.
func ErrorCode(err error) code.Code {
	if err == nil {
		return NoError
	}
	var c code.ErrCoder
	if errors.As(err, &c) {
		return c.ErrCode()
	} else if errors.Is(err, context.Canceled) {
		return Cancelled
	} else if errors.Is(err, context.DeadlineExceeded) {
		return DeadlineExceeded
	}
	return SystemError
}

// Error is the concrete type of errors returned from RPC calls.
// It also represents the JSON encoding of the JSON-RPC error object.
type Error struct {
	Code    code.Code       `json:"code"`              // the machine-readable error code
	Message string          `json:"message,omitempty"` // the human-readable error message
	Data    json.RawMessage `json:"data,omitempty"`    // optional ancillary error data
}

// Error returns a human-readable description of e.
func (e Error) Error() string { return fmt.Sprintf("[%d] %s", e.Code, e.Message) }

// ErrCode trivially satisfies the code.ErrCoder interface for an *Error.
func (e Error) ErrCode() code.Code { return e.Code }

// WithData marshals v as JSON and constructs a copy of e whose Data field
// includes the result. If v == nil or if marshaling v fails, e is returned
// without modification.
func (e *Error) WithData(v any) *Error {
	if v == nil {
		return e
	} else if data, err := json.Marshal(v); err == nil {
		return &Error{Code: e.Code, Message: e.Message, Data: data}
	}
	return e
}

// errServerStopped is the stop reason recorded for a connection shut down by
// Server.Stop or Server.Close. WaitStatus reports it as Stopped with a nil Err,
// so Server.Wait returns nil for such a connection.
var errServerStopped = errors.New("the server has been stopped")

// errClientStopped is the error reported when a client is shut down by an
// explicit call to its Close method.
var errClientStopped = errors.New("the client has been stopped")

// errEmptyMethod is the error reported for an empty request method name.
var errEmptyMethod = &Error{Code: code.InvalidRequest, Message: "empty method name"}

// errNoSuchMethod is the error reported for an unknown method name.
var errNoSuchMethod = &Error{Code: code.MethodNotFound, Message: code.MethodNotFound.String()}

// errDuplicateID is the error reported for a duplicated request ID.
var errDuplicateID = &Error{Code: code.InvalidRequest, Message: "duplicate request ID"}

// errInvalidRequest is the error reported for a frame that does not parse as
// a JSON request object or batch.
var errInvalidRequest = &Error{Code: code.ParseError, Message: code.ParseError.String()}

// errEmptyBatch is the error reported for an empty request batch.
var errEmptyBatch = &Error{Code: code.InvalidRequest, Message: "empty request batch"}

// errInvalidParams is the error reported for invalid request parameters.
var errInvalidParams = &Error{Code: code.InvalidParams, Message: code.InvalidParams.String()}

// errTaskNotExecuted is the internal sentinel error for an unassigned task.
var errTaskNotExecuted = new(Error)

// errRequestTimeout is the client-synthesized error delivered to a pending
// call or batch whose deadline elapses before a reply arrives.
var errRequestTimeout = &Error{Code: code.RequestTimeout, Message: code.RequestTimeout.String()}

// ErrConnClosed is returned by a server's push-to-client methods if they are
// called after the client connection is closed.
var ErrConnClosed = errors.New("client connection is closed")

// ErrReservedEvent is returned by Client.Subscribe for the reserved event
// name "batchResponse", which is not available for application
// subscriptions. The client does not deliver any event under that name.
var ErrReservedEvent = errors.New("event name is reserved")

// ErrAlreadyListening is returned by Server.Listen if the server is already
// listening for connections.
var ErrAlreadyListening = errors.New("server is already listening")

// Errorf returns an error value of concrete type *Error having the specified
// code and formatted message string.
func Errorf(c code.Code, msg string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(msg, args...)}
}
