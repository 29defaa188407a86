package spells

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/casualjim/grimoire/store"
)

// Error codes carried by ServerError.
const (
	CodeInputFailed = "input-failed"
	CodeNotFound    = "not-found"
	CodeConflict    = "conflict"
	CodeInternal    = "internal"
)

// ServerError is an error with a code the HTTP layer maps to a status.
type ServerError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServerError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status for the error code.
func (e *ServerError) StatusCode() int {
	switch e.Code {
	case CodeInputFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func InputFailed(format string, args ...any) *ServerError {
	return &ServerError{Code: CodeInputFailed, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *ServerError {
	return &ServerError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// AsServerError converts err into a ServerError. Store sentinel errors get
// their matching code, anything unrecognized becomes internal.
func AsServerError(err error) *ServerError {
	if err == nil {
		return nil
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &ServerError{Code: CodeNotFound, Message: "Spell not found", Err: err}
	case errors.Is(err, store.ErrExists):
		return &ServerError{Code: CodeConflict, Message: "Spell already exists", Err: err}
	case errors.Is(err, store.ErrConflict):
		return &ServerError{Code: CodeConflict, Message: "Spell was modified concurrently", Err: err}
	default:
		return &ServerError{Code: CodeInternal, Message: "Internal server error", Err: err}
	}
}
