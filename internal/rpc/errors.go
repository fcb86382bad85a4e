package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"faculty/internal/protocol"
)

// Error codes follow JSON-RPC where a counterpart exists.
const (
	CodeParseError     = -32700
	CodeInvalidParams  = -32602
	CodeMethodNotFound = -32601
	CodeApplication    = -32000
	CodeTimeout        = -32002
	CodeTransport      = -32003
	CodeBackpressure   = -32004
	CodeDestroyed      = -32005
)

var (
	ErrMethodNotFound = errors.New("rpc: method not found")
	ErrInvalidParams  = errors.New("rpc: invalid params")
	ErrTimeout        = errors.New("rpc: timeout")
	ErrTransport      = errors.New("rpc: transport failure")
	ErrBackpressure   = errors.New("rpc: too many outbound calls in flight")
	ErrDestroyed      = errors.New("rpc: endpoint destroyed")
	ErrProtocol       = errors.New("rpc: malformed envelope")
)

// Error is what a failed call rejects with. Remote application errors,
// timeouts and transport failures all surface as *Error; use errors.Is with
// the sentinels above to tell them apart.
type Error struct {
	Code    int
	ID      string
	Message string
	Stack   string
	Handled bool
	Data    json.RawMessage

	cause error
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrMethodNotFound:
		return e.Code == CodeMethodNotFound
	case ErrInvalidParams:
		return e.Code == CodeInvalidParams
	case ErrTimeout:
		return e.Code == CodeTimeout
	case ErrTransport:
		return e.Code == CodeTransport
	case ErrBackpressure:
		return e.Code == CodeBackpressure
	case ErrDestroyed:
		return e.Code == CodeDestroyed
	}
	return false
}

func (e *Error) toWire() *protocol.Error {
	return &protocol.Error{
		Code:    e.Code,
		ID:      e.ID,
		Message: e.Message,
		Stack:   e.Stack,
		Handled: e.Handled,
		Data:    e.Data,
	}
}

func errorFromWire(p *protocol.Error) *Error {
	if p == nil {
		return nil
	}
	return &Error{
		Code:    p.Code,
		ID:      p.ID,
		Message: p.Message,
		Stack:   p.Stack,
		Handled: p.Handled,
		Data:    p.Data,
	}
}

func wrapError(code int, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// MethodNotAvailableError is returned to a caller whose target path is not
// registered on the remote side.
type MethodNotAvailableError struct {
	Method string
	Err    *Error
}

func (e *MethodNotAvailableError) Error() string {
	return "method " + e.Method + " is not available"
}

func (e *MethodNotAvailableError) Unwrap() error { return e.Err }

// ErrorTransform turns a handler error into what is sent back to the caller.
// It runs once per failed call unless the error is an *Error already marked
// Handled.
type ErrorTransform func(err error, method string, params []json.RawMessage) *Error

// DefaultErrorTransform keeps *Error values and reports everything else as an
// application error carrying err.Error().
func DefaultErrorTransform(err error, method string, params []json.RawMessage) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		return &cp
	}
	return &Error{Code: CodeApplication, Message: err.Error(), cause: err}
}

// stackTracer is satisfied by errors that carry their own trace.
type stackTracer interface {
	StackTrace() string
}
