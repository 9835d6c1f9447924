package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failure that maps onto an HTTP status and an OperationOutcome
// issue type.
type Error struct {
	Status      int
	IssueType   string
	Diagnostics string
	// Issues, when set, replace the single issue in the rendered outcome.
	Issues []OperationOutcomeIssue
}

func (e *Error) Error() string {
	return e.Diagnostics
}

// Outcome renders the error as an OperationOutcome.
func (e *Error) Outcome() *OperationOutcome {
	if len(e.Issues) > 0 {
		return MultipleIssuesOutcome(e.Issues)
	}
	severity := IssueSeverityError
	if e.Status >= http.StatusInternalServerError {
		severity = IssueSeverityFatal
	}
	return NewOperationOutcome(severity, e.IssueType, e.Diagnostics)
}

func newError(status int, issueType, format string, args ...interface{}) *Error {
	return &Error{Status: status, IssueType: issueType, Diagnostics: fmt.Sprintf(format, args...)}
}

// BadRequest reports a malformed key, a type mismatch between key and
// resource, or a missing id or version.
func BadRequest(format string, args ...interface{}) *Error {
	return newError(http.StatusBadRequest, IssueTypeInvalid, format, args...)
}

// Conflict reports a version mismatch, a dangling reference or a
// conflicting mapping.
func Conflict(format string, args ...interface{}) *Error {
	return newError(http.StatusConflict, IssueTypeConflict, format, args...)
}

// PreconditionFailed reports an ambiguous conditional match.
func PreconditionFailed(format string, args ...interface{}) *Error {
	return newError(http.StatusPreconditionFailed, IssueTypeMultipleMatches, format, args...)
}

// NotFound reports a referenced resource that does not exist.
func NotFound(format string, args ...interface{}) *Error {
	return newError(http.StatusNotFound, IssueTypeNotFound, format, args...)
}

// Gone reports a resource whose current version is a deletion.
func Gone(format string, args ...interface{}) *Error {
	return newError(http.StatusGone, IssueTypeDeleted, format, args...)
}

// Unauthorized reports a request without valid credentials.
func Unauthorized(format string, args ...interface{}) *Error {
	return newError(http.StatusUnauthorized, IssueTypeLogin, format, args...)
}

// Forbidden reports credentials that do not grant the interaction.
func Forbidden(format string, args ...interface{}) *Error {
	return newError(http.StatusForbidden, IssueTypeForbidden, format, args...)
}

// Internal reports a server-side failure.
func Internal(format string, args ...interface{}) *Error {
	return newError(http.StatusInternalServerError, IssueTypeException, format, args...)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return http.StatusInternalServerError
}

// OutcomeOf renders any error as an OperationOutcome.
func OutcomeOf(err error) *OperationOutcome {
	var fe *Error
	if errors.As(err, &fe) {
		if len(fe.Issues) > 0 {
			return fe.Outcome()
		}
		return NewOperationOutcome(fe.Outcome().Issue[0].Severity, fe.IssueType, err.Error())
	}
	return InternalErrorOutcome(err.Error())
}
