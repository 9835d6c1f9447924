package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// ErrorHandler renders every error as an OperationOutcome. Unexpected
// errors are logged and reported without their text.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := statusOf(err)
		outcome := outcomeOf(err, status)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")
		}

		c.Response().Header().Set(echo.HeaderContentType, fhir.FHIRContentType)
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(status)
		} else {
			werr = c.JSON(status, outcome)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("writing error response")
		}
	}
}

func outcomeOf(err error, status int) *fhir.OperationOutcome {
	var fe *fhir.Error
	if errors.As(err, &fe) {
		return fhir.OutcomeOf(err)
	}
	severity := fhir.IssueSeverityError
	if status >= http.StatusInternalServerError {
		severity = fhir.IssueSeverityFatal
	}
	if he, ok := err.(*echo.HTTPError); ok && status < http.StatusInternalServerError {
		return fhir.NewOperationOutcome(severity, issueTypeFor(status), fmt.Sprint(he.Message))
	}
	return fhir.NewOperationOutcome(severity, fhir.IssueTypeException, http.StatusText(status))
}

func issueTypeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType:
		return fhir.IssueTypeNotSupported
	case http.StatusUnauthorized:
		return fhir.IssueTypeLogin
	case http.StatusForbidden:
		return fhir.IssueTypeForbidden
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTypeTooCostly
	case http.StatusTooManyRequests:
		return fhir.IssueTypeThrottled
	}
	return fhir.IssueTypeInvalid
}
