package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders marks every response as uncacheable, unframeable patient
// data. Downloads under /files also get a sandboxing CSP so an uploaded
// document cannot run script in the API origin.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if c.IsTLS() {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			if strings.Contains(c.Request().URL.Path, "/files/") {
				h.Set("Content-Security-Policy", "default-src 'none'; sandbox")
			}
			return next(c)
		}
	}
}
