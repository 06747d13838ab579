package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a pipeline error.
type ErrorKind string

const (
	// ErrorKindMalformedIntent indicates the intent does not fit the resolved handler.
	ErrorKindMalformedIntent ErrorKind = "malformed_intent"

	// ErrorKindInvalidRequest indicates a malformed envelope or API request.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindFetchUnavailable indicates a context source failed or timed out.
	ErrorKindFetchUnavailable ErrorKind = "fetch_unavailable"

	// ErrorKindJudgmentUnavailable indicates the audit call failed, timed out
	// or returned something that could not be parsed.
	ErrorKindJudgmentUnavailable ErrorKind = "judgment_unavailable"

	// ErrorKindDraftingUnavailable indicates the drafting call failed.
	ErrorKindDraftingUnavailable ErrorKind = "drafting_unavailable"

	// ErrorKindWriteFailed indicates a persistence write failed.
	ErrorKindWriteFailed ErrorKind = "write_failed"

	// ErrorKindNotFound indicates a stored record does not exist.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindCanceled indicates the caller went away mid-run.
	ErrorKindCanceled ErrorKind = "canceled"
)

// Error is the canonical error carried through the pipeline and mapped to
// HTTP responses at the edge.
type Error struct {
	Kind ErrorKind `json:"type"`

	// Op is the operation that failed, e.g. "audit" or "fetch calendar".
	Op string `json:"-"`

	Message string `json:"message"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatusCode returns the HTTP status the error maps to.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case ErrorKindMalformedIntent, ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindJudgmentUnavailable, ErrorKindFetchUnavailable, ErrorKindDraftingUnavailable:
		return http.StatusServiceUnavailable
	case ErrorKindCanceled:
		// nginx convention for a client that closed the connection
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// MalformedIntent creates a malformed intent error.
func MalformedIntent(handler, message string, err error) *Error {
	return NewError(ErrorKindMalformedIntent, handler, message, err)
}

// InvalidRequest creates an invalid request error.
func InvalidRequest(message string) *Error {
	return NewError(ErrorKindInvalidRequest, "", message, nil)
}

// FetchUnavailable creates a fetch error for a context source.
func FetchUnavailable(source SourceName, err error) *Error {
	return NewError(ErrorKindFetchUnavailable, "fetch "+string(source), "", err)
}

// JudgmentUnavailable creates a judgment service error.
func JudgmentUnavailable(message string, err error) *Error {
	return NewError(ErrorKindJudgmentUnavailable, "audit", message, err)
}

// DraftingUnavailable creates a drafting error.
func DraftingUnavailable(message string, err error) *Error {
	return NewError(ErrorKindDraftingUnavailable, "draft", message, err)
}

// WriteFailed creates a persistence error.
func WriteFailed(op string, err error) *Error {
	return NewError(ErrorKindWriteFailed, op, "", err)
}

// NotFound creates a not found error.
func NotFound(what, id string) *Error {
	return NewError(ErrorKindNotFound, "", fmt.Sprintf("%s %q not found", what, id), nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
