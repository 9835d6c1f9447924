package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// publicRoutes are reachable without credentials.
var publicRoutes = map[string]bool{
	"/health":        true,
	"/metrics":       true,
	"/fhir/metadata": true,
}

// AuthSkipper skips authentication for public routes and for CORS
// preflight requests, which never carry credentials.
func AuthSkipper(c echo.Context) bool {
	if c.Request().Method == http.MethodOptions {
		return true
	}
	return publicRoutes[c.Path()]
}
