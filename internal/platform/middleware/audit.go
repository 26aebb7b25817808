package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/okatech-org/sante-sub008/internal/platform/auth"
)

// AuditEntry records one access to patient data or one state-changing call.
type AuditEntry struct {
	IdentityID      string
	EstablishmentID string
	PatientID       string
	Action          string
	Route           string
	Method          string
	IPAddress       string
	RequestID       string
	StatusCode      int
	Timestamp       time.Time
}

// AuditRecorder persists audit entries. Without one, entries are only logged.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every read of patient records and every mutating API call,
// after the handler ran so the outcome status is known.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			req := c.Request()
			route := c.Path()
			if !isAuditable(req.Method, route) {
				return err
			}

			entry := AuditEntry{
				EstablishmentID: req.Header.Get("X-Establishment-ID"),
				PatientID:       patientOf(c, route),
				Action:          actionOf(req.Method),
				Route:           route,
				Method:          req.Method,
				IPAddress:       c.RealIP(),
				StatusCode:      c.Response().Status,
				Timestamp:       time.Now().UTC(),
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}
			if id, ok := auth.IdentityIDFromContext(req.Context()); ok {
				entry.IdentityID = id.String()
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("identity_id", entry.IdentityID).
				Str("establishment_id", entry.EstablishmentID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

func isAuditable(method, route string) bool {
	if !strings.HasPrefix(route, "/api/v1/") {
		return false
	}
	if method != "GET" && method != "HEAD" {
		return true
	}
	return strings.HasSuffix(route, "/records")
}

func patientOf(c echo.Context, route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v1/patients/:id"):
		return c.Param("id")
	case route == "/api/v1/me/records":
		if id, ok := auth.IdentityIDFromContext(c.Request().Context()); ok {
			return id.String()
		}
	}
	return ""
}

func actionOf(method string) string {
	switch method {
	case "GET", "HEAD":
		return "read"
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
