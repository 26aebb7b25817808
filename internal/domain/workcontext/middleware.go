package workcontext

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/platform/auth"
	"github.com/okatech-org/sante-sub008/internal/platform/httperr"
)

const (
	EstablishmentHeader = "X-Establishment-ID"
	RoleHeader          = "X-Role"
)

type contextKey struct{}

func WithContext(ctx context.Context, wc *WorkingContext) context.Context {
	return context.WithValue(ctx, contextKey{}, wc)
}

func FromContext(ctx context.Context) (*WorkingContext, bool) {
	wc, ok := ctx.Value(contextKey{}).(*WorkingContext)
	return wc, ok && wc != nil
}

var resolveErrors = []httperr.Case{
	{Err: ErrNotAffiliated, Status: http.StatusForbidden},
	{Err: ErrAmbiguousRole, Status: http.StatusConflict},
	{Err: affiliation.ErrUnsupportedRole, Status: http.StatusBadRequest},
}

// Middleware resolves the caller's working context from the
// X-Establishment-ID and X-Role headers. Without the headers it falls back
// to auto-selection, and leaves the request without a context when the
// identity has no single obvious one. Must run after authentication.
func Middleware(r *Resolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			identityID, ok := auth.IdentityIDFromContext(ctx)
			if !ok {
				return next(c)
			}

			var (
				wc  *WorkingContext
				err error
			)
			if raw := c.Request().Header.Get(EstablishmentHeader); raw != "" {
				establishmentID, perr := uuid.Parse(raw)
				if perr != nil {
					return httperr.BadRequest("invalid " + EstablishmentHeader)
				}
				var role *affiliation.Role
				if rawRole := c.Request().Header.Get(RoleHeader); rawRole != "" {
					parsed, perr := affiliation.ParseRole(rawRole)
					if perr != nil {
						return httperr.Map(perr, resolveErrors...)
					}
					role = &parsed
				}
				wc, err = r.Resolve(ctx, identityID, establishmentID, role)
			} else {
				wc, err = r.ResolveDefault(ctx, identityID)
				if errors.Is(err, ErrNotAffiliated) || errors.Is(err, ErrSelectionRequired) {
					return next(c)
				}
			}
			if err != nil {
				return httperr.Map(err, resolveErrors...)
			}

			c.SetRequest(c.Request().WithContext(WithContext(ctx, wc)))
			return next(c)
		}
	}
}

// Require returns the request's working context or a 403 telling the client
// to pick an establishment.
func Require(c echo.Context) (*WorkingContext, error) {
	wc, ok := FromContext(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusForbidden,
			"working context required: set "+EstablishmentHeader)
	}
	return wc, nil
}

// RequireCapability rejects requests whose working context lacks capability.
func RequireCapability(capability affiliation.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			wc, err := Require(c)
			if err != nil {
				return err
			}
			if !wc.Can(capability) {
				return echo.NewHTTPError(http.StatusForbidden, "missing capability: "+string(capability))
			}
			return next(c)
		}
	}
}
