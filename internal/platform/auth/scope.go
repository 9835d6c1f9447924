package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// Access is the kind of interaction a scope must grant.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// AccessFor classifies an HTTP method. POST to _search is a read.
func AccessFor(method, path string) Access {
	switch {
	case method == http.MethodGet || method == http.MethodHead:
		return AccessRead
	case method == http.MethodPost && strings.HasSuffix(path, "/_search"):
		return AccessRead
	default:
		return AccessWrite
	}
}

// CheckAccess reports whether the scopes on ctx allow access to
// resourceType. Requests that were never authenticated carry no subject and
// are not checked.
func CheckAccess(ctx context.Context, resourceType string, access Access) error {
	if SubjectFromContext(ctx) == "" {
		return nil
	}
	for _, granted := range ScopesFromContext(ctx) {
		if matchScope(granted, resourceType, access) {
			return nil
		}
	}
	return fhir.Forbidden("required scope: %s.%s", resourceType, access)
}

// RequireScope checks the route's :type parameter against the caller's
// scopes. Routes without a type (the bundle endpoint) are checked per entry
// by the handler.
func RequireScope(skipper echomw.Skipper) echo.MiddlewareFunc {
	if skipper == nil {
		skipper = echomw.DefaultSkipper
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			typeName := c.Param("type")
			if skipper(c) || typeName == "" {
				return next(c)
			}
			access := AccessFor(c.Request().Method, c.Path())
			if err := CheckAccess(c.Request().Context(), typeName, access); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// matchScope understands SMART v1 scopes ("user/Patient.read",
// "system/*.*") and v2 permission letters ("patient/Observation.rs").
func matchScope(granted, resourceType string, access Access) bool {
	_, rest, ok := strings.Cut(granted, "/")
	if !ok {
		return false
	}
	res, perm, ok := strings.Cut(rest, ".")
	if !ok {
		return false
	}
	if res != "*" && res != resourceType {
		return false
	}

	switch perm {
	case "*":
		return true
	case string(AccessRead), string(AccessWrite):
		return perm == string(access)
	}
	letters := "rs"
	if access == AccessWrite {
		letters = "cud"
	}
	for _, r := range perm {
		if !strings.ContainsRune("cruds", r) {
			return false
		}
	}
	return strings.ContainsAny(perm, letters)
}
