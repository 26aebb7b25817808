package medrecord

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/domain/identity"
	"github.com/okatech-org/sante-sub008/internal/domain/workcontext"
	"github.com/okatech-org/sante-sub008/internal/platform/auth"
	"github.com/okatech-org/sante-sub008/internal/platform/httperr"
	"github.com/okatech-org/sante-sub008/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/records", h.PatientRecords)
	api.POST("/patients/:id/records", h.Record)
	api.GET("/me/records", h.MyRecords)
	api.GET("/me/consents", h.ListGrants)
	api.POST("/me/consents", h.Grant)
	api.DELETE("/me/consents/:id", h.Revoke)
}

var recordErrors = []httperr.Case{
	{Err: ErrForbidden, Status: http.StatusForbidden},
	{Err: ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: ErrNotFound, Status: http.StatusNotFound, Message: "medical record entry not found"},
	{Err: ErrGrantNotFound, Status: http.StatusNotFound, Message: "consent grant not found"},
	{Err: identity.ErrNotFound, Status: http.StatusNotFound, Message: "patient not found"},
}

func (h *Handler) PatientRecords(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid patient id")
	}
	wc, _ := workcontext.FromContext(c.Request().Context())
	return h.page(c, Viewer{IdentityID: caller, Context: wc}, patientID)
}

func (h *Handler) MyRecords(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	return h.page(c, Viewer{IdentityID: caller}, caller)
}

// page drains one cursor page from the aggregation. It reads one entry past
// the limit to know whether a next cursor exists.
func (h *Handler) page(c echo.Context, v Viewer, patientID uuid.UUID) error {
	after, err := pagination.DecodeCursor(c.QueryParam("cursor"))
	if err != nil {
		return httperr.BadRequest(err.Error())
	}
	limit := pagination.FromContext(c).Limit

	out, more, err := collect(c.Request().Context(), h.svc, v, patientID, after, limit)
	if err != nil {
		return httperr.Map(err, recordErrors...)
	}
	resp := pagination.CursorPage[*Entry]{Data: out, Limit: limit}
	if more {
		last := out[len(out)-1]
		resp.NextCursor = pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return c.JSON(http.StatusOK, resp)
}

func collect(ctx context.Context, svc *Service, v Viewer, patientID uuid.UUID, after *pagination.Cursor, limit int) ([]*Entry, bool, error) {
	out := make([]*Entry, 0, limit)
	for e, err := range svc.Aggregate(ctx, v, patientID, after) {
		if err != nil {
			return nil, false, err
		}
		if len(out) == limit {
			return out, true, nil
		}
		out = append(out, e)
	}
	return out, false, nil
}

func (h *Handler) Record(c echo.Context) error {
	wc, err := workcontext.Require(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid patient id")
	}
	var req NewEntry
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	e, err := h.svc.Record(c.Request().Context(), wc, patientID, req)
	if err != nil {
		return httperr.Map(err, recordErrors...)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ListGrants(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	grants, err := h.svc.ListGrants(c.Request().Context(), caller)
	if err != nil {
		return httperr.Map(err, recordErrors...)
	}
	if grants == nil {
		grants = []*Grant{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": grants})
}

func (h *Handler) Grant(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	var req NewGrant
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	g, err := h.svc.Grant(c.Request().Context(), caller, req)
	if err != nil {
		return httperr.Map(err, recordErrors...)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) Revoke(c echo.Context) error {
	caller, err := auth.MustIdentity(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	g, err := h.svc.Revoke(c.Request().Context(), caller, id)
	if err != nil {
		return httperr.Map(err, recordErrors...)
	}
	return c.JSON(http.StatusOK, g)
}
