// Package apperr provides the coded error type shared by the session engine.
// Callers match on codes with errors.Is against a sentinel built by New.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Access and pool resolution
	CodeNoPoolAssigned Code = "NO_POOL_ASSIGNED"
	CodeAccessDenied   Code = "ACCESS_DENIED"

	// Question sourcing
	CodeNoQuestionsAvailable Code = "NO_QUESTIONS_AVAILABLE"
	CodeNoQuestionsFound     Code = "NO_QUESTIONS_FOUND"

	// Retake policy
	CodeRetakeNotAllowed Code = "RETAKE_NOT_ALLOWED"

	// Submission
	CodeRemoteWriteFailed          Code = "REMOTE_WRITE_FAILED"
	CodeSubmissionAlreadyFinalized Code = "SUBMISSION_ALREADY_FINALIZED"
	CodeSubmitRetriesExhausted     Code = "SUBMIT_RETRIES_EXHAUSTED"
	CodeBackendUnavailable         Code = "BACKEND_UNAVAILABLE"

	// Session state
	CodeSessionIncomplete Code = "SESSION_INCOMPLETE"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
)

// Access denial sub-reasons carried in Metadata["reason"].
const (
	ReasonPending      = "pending"
	ReasonNotRequested = "not_requested"
	ReasonExpired      = "expired"
)

// Error is the engine error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is matching.
var (
	ErrNoPoolAssigned             = New(CodeNoPoolAssigned, "no question pool assigned")
	ErrAccessDenied               = New(CodeAccessDenied, "access denied")
	ErrNoQuestionsAvailable       = New(CodeNoQuestionsAvailable, "no questions available")
	ErrNoQuestionsFound           = New(CodeNoQuestionsFound, "no questions found")
	ErrRetakeNotAllowed           = New(CodeRetakeNotAllowed, "retake not allowed")
	ErrRemoteWriteFailed          = New(CodeRemoteWriteFailed, "remote write failed")
	ErrSubmissionAlreadyFinalized = New(CodeSubmissionAlreadyFinalized, "submission already finalized")
	ErrSubmitRetriesExhausted     = New(CodeSubmitRetriesExhausted, "submit retries exhausted")
	ErrBackendUnavailable         = New(CodeBackendUnavailable, "backend unavailable")
	ErrSessionIncomplete          = New(CodeSessionIncomplete, "not all questions answered")
	ErrInvalidState               = New(CodeInvalidState, "invalid session state")
	ErrSessionNotFound            = New(CodeSessionNotFound, "session not found")
	ErrInvalidArgument            = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// MetadataOf returns the metadata of the first *Error in err's chain.
func MetadataOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}

// HTTPStatus maps a code onto the status the intent API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNoPoolAssigned, CodeNoQuestionsFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeAccessDenied, CodeRetakeNotAllowed:
		return http.StatusForbidden
	case CodeSubmissionAlreadyFinalized, CodeInvalidState, CodeSessionIncomplete:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNoQuestionsAvailable, CodeBackendUnavailable, CodeRemoteWriteFailed:
		return http.StatusServiceUnavailable
	case CodeSubmitRetriesExhausted:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
