package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/platform/auth"
)

// Logger writes one line per request. Health and scrape routes log at debug
// so they stay out of production output.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}

			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case err != nil:
				evt = logger.Warn().Err(err)
			case isInfraRoute(c.Path()):
				evt = logger.Debug()
			default:
				evt = logger.Info()
			}

			if id, ok := auth.IdentityIDFromContext(req.Context()); ok {
				evt = evt.Str("identity_id", id.String())
			}
			if est := req.Header.Get("X-Establishment-ID"); est != "" {
				evt = evt.Str("establishment_id", est)
			}

			evt.Str("request_id", requestID(c)).
				Str("method", req.Method).
				Str("route", c.Path()).
				Str("path", req.URL.Path).
				Int("status", status).
				Int64("bytes_out", c.Response().Size).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")
			return err
		}
	}
}

func isInfraRoute(route string) bool {
	return route == "/metrics" || strings.HasPrefix(route, "/health")
}
