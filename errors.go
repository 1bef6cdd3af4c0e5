// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package flock

import (
	"errors"
	"fmt"
)

// TagError is the response tag reported for a failed call.
const TagError = "error"

// An ErrorCode classifies a failed call.
type ErrorCode string

// Error codes reported in error responses.
const (
	CodeUnknownOperation ErrorCode = "unknown_operation"
	CodeInvalidParams    ErrorCode = "invalid_params"
	CodeInternal         ErrorCode = "internal"
)

var (
	// ErrUnknownOperation is reported for a request naming an operation that
	// is not defined.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrInvalidParams is reported by an operation whose parameters have the
	// wrong shape.
	ErrInvalidParams = errors.New("invalid parameters")
)

// ErrorData is the result format of an error response. On the wire it is
// encoded as a map with keys "code" and "message".
//
// An ErrorData satisfies the error interface, and a handler may return one to
// control the code reported to the caller.
type ErrorData struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e ErrorData) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is the sentinel error corresponding to the code
// of e, so that errors.Is(e, ErrUnknownOperation) works as expected.
func (e ErrorData) Is(target error) bool {
	switch e.Code {
	case CodeUnknownOperation:
		return target == ErrUnknownOperation
	case CodeInvalidParams:
		return target == ErrInvalidParams
	}
	return false
}

// Response returns an error response carrying e.
func (e ErrorData) Response() *Response {
	return &Response{Tag: TagError, Result: map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}}
}

// ErrorResponse returns an error response describing err.
//
// If err is or wraps an ErrorData, that value is used as-is. Errors wrapping
// ErrUnknownOperation or ErrInvalidParams get the corresponding code. All
// other errors are reported as CodeInternal.
func ErrorResponse(err error) *Response {
	var ed ErrorData
	switch {
	case errors.As(err, &ed):
	case errors.Is(err, ErrUnknownOperation):
		ed = ErrorData{Code: CodeUnknownOperation, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams):
		ed = ErrorData{Code: CodeInvalidParams, Message: err.Error()}
	default:
		ed = ErrorData{Code: CodeInternal, Message: err.Error()}
	}
	return ed.Response()
}

// ErrorData reports whether r is an error response, and if so returns its
// decoded error data. Fields absent from the result are left empty.
func (r Response) ErrorData() (ErrorData, bool) {
	if r.Tag != TagError {
		return ErrorData{}, false
	}
	var ed ErrorData
	if m, ok := r.Result.(map[string]any); ok {
		code, _ := m["code"].(string)
		msg, _ := m["message"].(string)
		ed = ErrorData{Code: ErrorCode(code), Message: msg}
	}
	return ed, true
}
