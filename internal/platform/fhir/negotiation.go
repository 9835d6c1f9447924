package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// ContentNegotiation checks _format first and then Accept. Every response
// is FHIR JSON; asking for anything else is a 406.
func ContentNegotiation() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if format := c.QueryParam("_format"); format != "" {
				if !isJSONFormat(format) {
					return notAcceptable("unsupported _format %q; this server only produces application/fhir+json", format)
				}
			} else if accept := c.Request().Header.Get(echo.HeaderAccept); accept != "" && !negotiateAccept(accept) {
				return notAcceptable("Accept does not include a supported type; use application/fhir+json")
			}
			c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
			return next(c)
		}
	}
}

func notAcceptable(format string, args ...interface{}) *Error {
	return newError(http.StatusNotAcceptable, IssueTypeNotSupported, format, args...)
}

// normalizeFormat restores the "+" that query decoding turns into a space.
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	return strings.ReplaceAll(f, "fhir json", "fhir+json")
}

func isJSONFormat(format string) bool {
	switch normalizeFormat(format) {
	case "json", "application/json", "application/fhir+json":
		return true
	}
	return false
}

func negotiateAccept(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		switch strings.ToLower(strings.TrimSpace(mediaType)) {
		case "application/fhir+json", "application/json", "json", "*/*", "application/*":
			return true
		}
	}
	return false
}

// PreferReturn is the return preference of a Prefer header.
type PreferReturn string

const (
	PreferReturnRepresentation   PreferReturn = "representation"
	PreferReturnMinimal          PreferReturn = "minimal"
	PreferReturnOperationOutcome PreferReturn = "OperationOutcome"
)

// ParsePreferReturn extracts return=... from a Prefer header. Directives
// may be separated by commas or semicolons; the default is representation.
func ParsePreferReturn(prefer string) PreferReturn {
	for _, part := range strings.FieldsFunc(prefer, func(r rune) bool { return r == ',' || r == ';' }) {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "return") {
			continue
		}
		switch v := PreferReturn(strings.Trim(strings.TrimSpace(value), `"`)); v {
		case PreferReturnMinimal, PreferReturnOperationOutcome:
			return v
		}
	}
	return PreferReturnRepresentation
}
