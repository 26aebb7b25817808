// Package httperr turns domain errors into echo HTTP errors through ordered
// case tables, so handlers never leak store details to clients.
package httperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/platform/db"
)

// Case maps a sentinel error to an HTTP status code and response message.
// An empty Message reuses err.Error() of the matched error chain.
type Case struct {
	Err     error
	Status  int
	Message string
}

var fallbacks = []Case{
	{Err: db.ErrNotFound, Status: http.StatusNotFound, Message: "not found"},
	{Err: db.ErrBackendUnavailable, Status: http.StatusServiceUnavailable, Message: "service temporarily unavailable"},
}

// Map resolves err against cases, then the shared store fallbacks. Unmatched
// errors become 500. The original error is kept as Internal for logging.
// A nil err returns nil.
func Map(err error, cases ...Case) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	for _, list := range [][]Case{cases, fallbacks} {
		for _, cs := range list {
			if cs.Err == nil || !errors.Is(err, cs.Err) {
				continue
			}
			msg := cs.Message
			if msg == "" {
				msg = err.Error()
			}
			return echo.NewHTTPError(cs.Status, msg).SetInternal(err)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

// BadRequest is shorthand for a 400 carrying msg.
func BadRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
