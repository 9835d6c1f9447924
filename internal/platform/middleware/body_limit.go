package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// BodyLimit caps request bodies. bundleLimit applies to bundles POSTed to
// the /fhir root and defaultLimit to everything else. Limits are sizes such
// as "512K", "1M" or "1G"; a bare number is bytes.
//
// A body over the limit is rejected with 413 and an OperationOutcome, up
// front when Content-Length says so and otherwise when the handler reads
// past the limit.
func BodyLimit(defaultLimit string, bundleLimit string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	bundleBytes := parseLimit(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && isBundlePath(req.URL.Path) {
				limit = bundleBytes
			}
			if req.ContentLength > limit {
				return tooLarge(limit)
			}

			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: limit, limit: limit}
			return next(c)
		}
	}
}

func isBundlePath(path string) bool {
	return path == "/fhir" || path == "/fhir/"
}

// limitedReadCloser fails reads once more than limit bytes were read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, tooLarge(r.limit)
	}
	// Read one byte past the limit to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, tooLarge(r.limit)
	}
	return n, err
}

func tooLarge(limit int64) error {
	return &fhir.Error{
		Status:      http.StatusRequestEntityTooLarge,
		IssueType:   fhir.IssueTypeTooCostly,
		Diagnostics: fmt.Sprintf("request body exceeds the maximum allowed size of %d bytes", limit),
	}
}

// parseLimit parses a size such as "512K", "10M" or "1G". Empty or invalid
// input yields 1 MB.
func parseLimit(s string) int64 {
	const fallback = 1 << 20
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier != 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n * multiplier
}
