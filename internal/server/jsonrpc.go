// Package server exposes the coordinator over JSON-RPC 2.0: newline-framed
// requests on stdio for child-process agents, HTTP POST for remote ones,
// and a server-sent event stream for everything the coordinator emits.
package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/foreman/internal/aggregate"
	"github.com/marcus/foreman/internal/breaker"
	"github.com/marcus/foreman/internal/roster"
	"github.com/marcus/foreman/internal/task"
	"github.com/marcus/foreman/internal/workload"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes carried in the error object so agents can react
// without parsing messages.
const (
	CodeNotFound          = 1001
	CodeValidation        = 1002
	CodeInvalidTransition = 1003
	CodeAlreadyClaimed    = 1004
	CodeNotOwned          = 1005
	CodeConflict          = 1006
	CodeBreakerOpen       = 1007
	CodeWorkloadExceeded  = 1008
)

// wireError maps a coordinator error onto its application code. Anything
// unrecognized is an internal error.
func wireError(err error) *Error {
	code := InternalError
	switch {
	case errors.Is(err, task.ErrValidation),
		errors.Is(err, roster.ErrValidation),
		errors.Is(err, breaker.ErrUnknownFailureType):
		code = CodeValidation
	case errors.Is(err, task.ErrInvalidTransition):
		code = CodeInvalidTransition
	case errors.Is(err, task.ErrAlreadyClaimed):
		code = CodeAlreadyClaimed
	case errors.Is(err, task.ErrNotOwned):
		code = CodeNotOwned
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, roster.ErrNotRegistered),
		errors.Is(err, aggregate.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, task.ErrCodeExists),
		errors.Is(err, roster.ErrDuplicateName),
		errors.Is(err, aggregate.ErrStaleVersion),
		errors.Is(err, aggregate.ErrAlreadyExists),
		errors.Is(err, aggregate.ErrConflict):
		code = CodeConflict
	case errors.Is(err, breaker.ErrOpen):
		code = CodeBreakerOpen
	case errors.Is(err, workload.ErrExceeded):
		code = CodeWorkloadExceeded
	}
	return &Error{Code: code, Message: err.Error()}
}

func errorResponse(id any, rpcErr *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: rpcErr}
}

func resultResponse(id, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}
