package admission

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/okatech-org/sante-sub008/internal/domain/affiliation"
	"github.com/okatech-org/sante-sub008/internal/domain/establishment"
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
	api.POST("/admissions/join", h.RequestToJoin)
	api.POST("/admissions/invite", h.Invite, workcontext.RequireCapability(affiliation.CapApproveAdmissions))
	api.GET("/admissions/inbox", h.Inbox)
	api.GET("/admissions/outbox", h.Outbox)
	api.GET("/admissions/:id", h.Get)
	api.POST("/admissions/:id/approve", h.Approve)
	api.POST("/admissions/:id/reject", h.Reject)
}

var admissionErrors = []httperr.Case{
	{Err: ErrTerminalState, Status: http.StatusConflict},
	{Err: ErrRequestExpired, Status: http.StatusGone},
	{Err: ErrNotReceivingParty, Status: http.StatusForbidden},
	{Err: ErrDuplicateRequest, Status: http.StatusConflict},
	{Err: ErrForbidden, Status: http.StatusForbidden},
	{Err: ErrInvalidInput, Status: http.StatusBadRequest},
	{Err: affiliation.ErrUnsupportedRole, Status: http.StatusBadRequest},
	{Err: ErrNotFound, Status: http.StatusNotFound, Message: "admission request not found"},
	{Err: identity.ErrNotFound, Status: http.StatusNotFound, Message: "identity not found"},
	{Err: establishment.ErrNotFound, Status: http.StatusNotFound, Message: "establishment not found"},
}

func party(c echo.Context) (Party, error) {
	id, err := auth.MustIdentity(c)
	if err != nil {
		return Party{}, err
	}
	wc, _ := workcontext.FromContext(c.Request().Context())
	return Party{IdentityID: id, Context: wc}, nil
}

type joinRequest struct {
	EstablishmentID uuid.UUID        `json:"establishment_id"`
	Role            affiliation.Role `json:"role"`
	Department      string           `json:"department"`
	Message         string           `json:"message"`
}

func (h *Handler) RequestToJoin(c echo.Context) error {
	p, err := party(c)
	if err != nil {
		return err
	}
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	if req.EstablishmentID == uuid.Nil {
		return httperr.BadRequest("establishment_id is required")
	}
	r, err := h.svc.RequestToJoin(c.Request().Context(), p.IdentityID, req.EstablishmentID, req.Role, req.Department, req.Message)
	if err != nil {
		return httperr.Map(err, admissionErrors...)
	}
	return c.JSON(http.StatusCreated, r)
}

type inviteRequest struct {
	Email      string           `json:"email"`
	Role       affiliation.Role `json:"role"`
	Department string           `json:"department"`
	Message    string           `json:"message"`
}

func (h *Handler) Invite(c echo.Context) error {
	wc, err := workcontext.Require(c)
	if err != nil {
		return err
	}
	var req inviteRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	r, err := h.svc.Invite(c.Request().Context(), wc, req.Email, req.Role, req.Department, req.Message)
	if err != nil {
		return httperr.Map(err, admissionErrors...)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := party(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httperr.Map(err, admissionErrors...)
	}
	involved := r.InitiatorID == p.IdentityID ||
		(r.ProfessionalID != nil && *r.ProfessionalID == p.IdentityID) ||
		(p.Context.ActsFor(r.EstablishmentID) && p.Context.Can(affiliation.CapApproveAdmissions))
	if !involved {
		return httperr.Map(ErrNotFound, admissionErrors...)
	}
	return c.JSON(http.StatusOK, r)
}

func scopeOf(c echo.Context) Scope {
	if Scope(c.QueryParam("scope")) == ScopeEstablishment {
		return ScopeEstablishment
	}
	return ScopePersonal
}

func (h *Handler) Inbox(c echo.Context) error {
	return h.list(c, h.svc.Inbox)
}

func (h *Handler) Outbox(c echo.Context) error {
	return h.list(c, h.svc.Outbox)
}

type listFunc func(ctx context.Context, p Party, scope Scope, limit, offset int) ([]*Request, int, error)

func (h *Handler) list(c echo.Context, fn listFunc) error {
	p, err := party(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	list, total, err := fn(c.Request().Context(), p, scopeOf(c), pg.Limit, pg.Offset)
	if err != nil {
		return httperr.Map(err, admissionErrors...)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(list, total, pg))
}

type approveRequest struct {
	Matricule string `json:"matricule"`
}

func (h *Handler) Approve(c echo.Context) error {
	p, err := party(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	r, err := h.svc.Approve(c.Request().Context(), p, id, req.Matricule)
	if err != nil {
		return httperr.Map(err, admissionErrors...)
	}
	return c.JSON(http.StatusOK, r)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	p, err := party(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return httperr.BadRequest("invalid id")
	}
	var req rejectRequest
	if err := c.Bind(&req); err != nil {
		return httperr.BadRequest(err.Error())
	}
	r, err := h.svc.Reject(c.Request().Context(), p, id, req.Reason)
	if err != nil {
		return httperr.Map(err, admissionErrors...)
	}
	return c.JSON(http.StatusOK, r)
}
