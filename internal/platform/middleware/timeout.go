package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. A handler
// still running at the deadline gets a cancelled context and the client a
// 504 OperationOutcome. A zero timeout disables the middleware.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					// Wait for the handler so it never writes to a response
					// that has been handed back to echo.
					<-done
					return &fhir.Error{
						Status:      http.StatusGatewayTimeout,
						IssueType:   fhir.IssueTypeTimeout,
						Diagnostics: "request processing exceeded the allowed time limit",
					}
				}
				<-done
				return ctx.Err()
			}
		}
	}
}
