package middleware

import (
	"github.com/labstack/echo/v4"
)

// workingContextVary lists the request headers that select whose data a
// response carries: the bearer and the establishment/role pair.
const workingContextVary = "Authorization, X-Establishment-ID, X-Role"

// SecurityHeaders sets response headers suited to a JSON API serving
// medical and billing data.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			if isInfraRoute(c.Path()) {
				h.Set("Cache-Control", "no-cache")
				return next(c)
			}
			// Responses may carry medical records scoped to one establishment.
			h.Set("Cache-Control", "no-store")
			h.Add("Vary", workingContextVary)
			return next(c)
		}
	}
}
