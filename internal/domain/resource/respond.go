package resource

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// respond writes an externalized interaction response, honouring the
// Prefer return preference.
func respond(c echo.Context, resp *fhir.Response) error {
	status := resp.Status
	e := resp.Entry
	if e != nil {
		fhir.SetVersionHeaders(c, e.Key.VersionID, e.When)
		if status == http.StatusCreated {
			c.Response().Header().Set(echo.HeaderLocation, e.Key.String())
		}
	}

	// A conditional delete that removed zero or several resources reports
	// what it did; a bodiless 204 cannot.
	if resp.Outcome != nil && (e == nil || e.IsDelete()) {
		if status == http.StatusNoContent {
			status = http.StatusOK
		}
		return c.JSON(status, resp.Outcome)
	}
	if e == nil || e.IsDelete() || e.Resource == nil {
		return c.NoContent(status)
	}

	if c.Request().Method == http.MethodGet {
		return c.JSON(status, e.Resource)
	}
	switch fhir.ParsePreferReturn(c.Request().Header.Get("Prefer")) {
	case fhir.PreferReturnMinimal:
		return c.NoContent(status)
	case fhir.PreferReturnOperationOutcome:
		return c.JSON(status, fhir.InformationOutcome("interaction completed: "+fhir.StatusLine(status)))
	}
	return c.JSON(status, e.Resource)
}
