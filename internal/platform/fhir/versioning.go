package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified headers on the response.
func SetVersionHeaders(c echo.Context, versionID string, lastModified time.Time) {
	if versionID != "" {
		c.Response().Header().Set("ETag", FormatETag(versionID))
	}
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(time.RFC1123))
	}
}

// ParseETag extracts the version from an ETag value like W/"3" or "3".
func ParseETag(etag string) (string, error) {
	etag = strings.TrimSpace(etag)
	// Remove weak indicator
	etag = strings.TrimPrefix(etag, "W/")
	// Remove quotes
	etag = strings.Trim(etag, `"`)

	if _, err := strconv.Atoi(etag); err != nil {
		return "", fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return etag, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID string) string {
	return fmt.Sprintf(`W/"%s"`, versionID)
}

// FirstVersion is the version id of a newly created resource.
const FirstVersion = "1"

// NextVersion returns the successor of an integer version id.
func NextVersion(versionID string) (string, error) {
	if versionID == "" {
		return FirstVersion, nil
	}
	v, err := strconv.Atoi(versionID)
	if err != nil || v < 1 {
		return "", BadRequest("version id %q is not a positive integer", versionID)
	}
	return strconv.Itoa(v + 1), nil
}
