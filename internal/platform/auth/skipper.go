package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// publicRoutes lists method+route patterns that bypass authentication:
// health checks, self-registration, and the signed payment webhook.
var publicRoutes = map[string]bool{
	"GET /health":                       true,
	"GET /health/db":                    true,
	"GET /metrics":                      true,
	"POST /api/v1/identities":           true,
	"POST /api/v1/payments/:id/confirm": true,
}

// AuthSkipper reports whether the matched route is public.
func AuthSkipper(c echo.Context) bool {
	return IsPublicRoute(c.Request().Method, c.Path())
}

// IsPublicRoute reports whether method and echo route pattern name a public
// endpoint.
func IsPublicRoute(method, route string) bool {
	if method == http.MethodHead {
		method = http.MethodGet
	}
	return publicRoutes[method+" "+route]
}
