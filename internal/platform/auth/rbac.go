package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// HasRole reports whether the authenticated principal holds any of roles.
func HasRole(ctx context.Context, roles ...string) bool {
	return slices.ContainsFunc(RolesFromContext(ctx), func(held string) bool {
		return slices.Contains(roles, held)
	})
}

// IsPlatformAdmin reports whether the caller may act on any identity or
// register establishments, independently of any affiliation.
func IsPlatformAdmin(ctx context.Context) bool {
	return HasRole(ctx, RolePlatformAdmin)
}

// RequireRole gates platform-level routes on a token role. Roles held
// inside an establishment go through workcontext.RequireCapability, so the
// X-Role header never satisfies this check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	denied := "required role: " + strings.Join(roles, " or ")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if _, ok := IdentityIDFromContext(ctx); !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if !HasRole(ctx, roles...) {
				return echo.NewHTTPError(http.StatusForbidden, denied)
			}
			return next(c)
		}
	}
}

// RequirePlatformAdmin gates establishment registration and other
// platform-wide operations.
func RequirePlatformAdmin() echo.MiddlewareFunc {
	return RequireRole(RolePlatformAdmin)
}
