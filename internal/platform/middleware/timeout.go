package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/platform/auth"
)

// RequestTimeout bounds the request context. Handlers and repositories
// observe the deadline through ctx; the store aborts in-flight statements and
// rolls back open transactions when it fires.
//
// A handler that fails because the deadline passed gets a 503 instead of the
// raw context error. The timeout is logged with the caller's identity and
// working context headers.
func RequestTimeout(timeout time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}

			req := c.Request()
			evt := logger.Warn().Err(err).
				Str("request_id", requestID(c)).
				Str("method", req.Method).
				Str("route", c.Path()).
				Dur("timeout", timeout)
			if id, ok := auth.IdentityIDFromContext(req.Context()); ok {
				evt = evt.Str("identity_id", id.String())
			}
			if est := req.Header.Get("X-Establishment-ID"); est != "" {
				evt = evt.Str("establishment_id", est)
			}
			if role := req.Header.Get("X-Role"); role != "" {
				evt = evt.Str("role", role)
			}
			evt.Msg("request deadline exceeded")

			if c.Response().Committed {
				return err
			}
			return echo.NewHTTPError(http.StatusServiceUnavailable, "request timed out").SetInternal(err)
		}
	}
}
